package core_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonblack/apisurface/core"
)

func TestLogManagerRecord(t *testing.T) {
	log := core.NewLogManager()
	e1 := log.Record(core.EventRegistry, "open", `HKEY_LOCAL_MACHINE\Software`, nil)
	e2 := log.Record(core.EventCrypto, "create_hash", "0x2804", map[string]string{"alg": "CALG_SHA_256"})

	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(2), e2.Seq)
	assert.Len(t, log.Events(), 2)
	assert.Equal(t, []core.Event{e2}, log.Filter(core.EventCrypto))
	assert.Equal(t, `[2] crypto create_hash 0x2804 alg="CALG_SHA_256"`, e2.String())
}

func TestLogManagerIocs(t *testing.T) {
	log := core.NewLogManager()
	log.AddIoc("registry", `HKLM\Software\Run`)
	log.AddIoc("registry", `HKLM\Software\Run`)
	log.AddIoc("registry", `HKCU\Software`)
	assert.Equal(t, []string{`HKLM\Software\Run`, `HKCU\Software`}, log.Iocs("registry"))
	assert.Empty(t, log.Iocs("process"))
}

func TestLogManagerExport(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	log := core.NewLogManagerWithID(id)
	log.Record(core.EventProcess, "create", `C:\evil.exe`, map[string]string{"cmdline": "evil.exe -x"})
	log.AddIoc("process", `C:\evil.exe`)

	first, err := log.ExportCBOR()
	require.NoError(t, err)
	second, err := log.ExportCBOR()
	require.NoError(t, err)
	assert.Equal(t, first, second, "encoding is deterministic")

	report, err := core.DecodeReport(first)
	require.NoError(t, err)
	assert.Equal(t, id.String(), report.Session)
	assert.Equal(t, log.Events(), report.Events)

	var buf bytes.Buffer
	require.NoError(t, log.ExportJSON(&buf))
	var fromJSON core.Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fromJSON))
	assert.Equal(t, report, fromJSON)
}

func TestDecodeReportRejectsGarbage(t *testing.T) {
	_, err := core.DecodeReport([]byte{0xff})
	assert.Error(t, err)
}
