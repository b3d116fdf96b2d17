package windows

import (
	"strings"

	"github.com/carbonblack/apisurface/core"
)

// Service is an entry of the service control manager database
type Service struct {
	Name        string
	DisplayName string
	BinaryPath  string
	Type        uint32
	StartType   uint32
	State       uint32
	Deleted     bool
	// set once StartServiceCtrlDispatcher registers a ServiceMain for it
	ServiceMain uint64
}

// ServiceHandle is what SC_HANDLEs resolve to. Manager handles carry no
// service.
type ServiceHandle struct {
	Service *Service
	Machine string
}

func (s *ServiceHandle) ObjectKind() core.ObjectKind {
	if s.Service == nil {
		return core.KindScManager
	}
	return core.KindService
}

// ServiceManager is the session's service database. None of it reaches a
// real service control manager; every operation succeeds so that installers
// run to completion.
type ServiceManager struct {
	table    *core.HandleTable
	services map[string]*Service
	order    []*Service
}

func NewServiceManager(table *core.HandleTable) *ServiceManager {
	return &ServiceManager{table: table, services: make(map[string]*Service)}
}

// OpenManager returns a new SC manager handle
func (m *ServiceManager) OpenManager(machine string) core.Handle {
	return m.table.Insert(&ServiceHandle{Machine: machine})
}

// Service looks a service up by name, ignoring case
func (m *ServiceManager) Service(name string) (*Service, bool) {
	s, ok := m.services[strings.ToUpper(name)]
	return s, ok
}

// Services lists the database in creation order
func (m *ServiceManager) Services() []*Service {
	return append([]*Service(nil), m.order...)
}

// Create adds a service, or updates the one already registered under name
func (m *ServiceManager) Create(svc *Service) (core.Handle, *Service) {
	if old, ok := m.Service(svc.Name); ok {
		old.DisplayName = svc.DisplayName
		old.BinaryPath = svc.BinaryPath
		old.Type = svc.Type
		old.StartType = svc.StartType
		old.Deleted = false
		svc = old
	} else {
		if svc.State == 0 {
			svc.State = SERVICE_STOPPED
		}
		m.services[strings.ToUpper(svc.Name)] = svc
		m.order = append(m.order, svc)
	}
	return m.table.Insert(&ServiceHandle{Service: svc}), svc
}

// Open returns a handle on name. Unknown services are created on the fly,
// stopped, with no binary.
func (m *ServiceManager) Open(name string) (core.Handle, *Service) {
	svc, ok := m.Service(name)
	if !ok {
		return m.Create(&Service{Name: name, DisplayName: name, Type: SERVICE_WIN32_OWN})
	}
	return m.table.Insert(&ServiceHandle{Service: svc}), svc
}

// Resolve returns the service behind h, nil for manager or unknown handles
func (m *ServiceManager) Resolve(h core.Handle) *Service {
	obj, ok := m.table.Resolve(h)
	if !ok {
		return nil
	}
	sh, ok := obj.(*ServiceHandle)
	if !ok {
		return nil
	}
	return sh.Service
}

// Control applies a control code and returns the resulting state
func (m *ServiceManager) Control(svc *Service, control uint32) uint32 {
	switch control {
	case SERVICE_CONTROL_STOP:
		svc.State = SERVICE_STOPPED
	case SERVICE_CONTROL_PAUSE:
		svc.State = SERVICE_PAUSED
	}
	return svc.State
}

// Close releases a service or manager handle. Anything else is left alone.
func (m *ServiceManager) Close(h core.Handle) {
	if obj, ok := m.table.Resolve(h); ok {
		if _, ok := obj.(*ServiceHandle); ok {
			m.table.Release(h)
		}
	}
}

// Dispatch records the ServiceMain of a service started from this process
func (m *ServiceManager) Dispatch(name string, proc uint64) *Service {
	svc, ok := m.Service(name)
	if !ok {
		svc = &Service{Name: name, DisplayName: name, Type: SERVICE_WIN32_OWN, State: SERVICE_START_PENDING}
		m.services[strings.ToUpper(name)] = svc
		m.order = append(m.order, svc)
	}
	svc.ServiceMain = proc
	svc.State = SERVICE_RUNNING
	return svc
}
