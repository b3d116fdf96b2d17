package windows

const (
	GENERIC_ALL     = 0x10000000
	GENERIC_EXECUTE = 0x20000000
	GENERIC_WRITE   = 0x40000000
	GENERIC_READ    = 0x80000000
	MAXIMUM_ALLOWED = 0x02000000
	//
	TOKEN_DUPLICATE  = 0x2
	TOKEN_QUERY      = 0x8
	TOKEN_ALL_ACCESS = 0xf01ff
	//
	SC_MANAGER_ALL_ACCESS = 0xf003f
	SERVICE_ALL_ACCESS    = 0xf01ff
	SERVICE_AUTO_START    = 0x2
	SERVICE_DEMAND_START  = 0x3
	//
	CREATE_SUSPENDED = 0x4
	//
	ERROR_SUCCESS             = 0x0
	ERROR_FILE_NOT_FOUND      = 0x2
	ERROR_PATH_NOT_FOUND      = 0x3
	ERROR_ACCESS_DENIED       = 0x5
	ERROR_INVALID_HANDLE      = 0x6
	ERROR_INVALID_PARAMETER   = 0x57
	ERROR_INSUFFICIENT_BUFFER = 0x7a
	ERROR_MORE_DATA           = 0xea
	ERROR_NO_MORE_ITEMS       = 0x103
	ERROR_NOACCESS            = 0x3e6
	ERROR_NO_TOKEN            = 0x3f0
	//
	NTE_BAD_UID        = 0x80090001
	NTE_BAD_HASH       = 0x80090002
	NTE_BAD_KEY        = 0x80090003
	NTE_BAD_HASH_STATE = 0x8009000b
	NTE_BAD_TYPE       = 0x8009000a
	NTE_BAD_ALGID      = 0x80090008
	//
	REG_NONE                       = 0x0
	REG_SZ                         = 0x1
	REG_EXPAND_SZ                  = 0x2
	REG_BINARY                     = 0x3
	REG_DWORD                      = 0x4
	REG_DWORD_BIG_ENDIAN           = 0x5
	REG_LINK                       = 0x6
	REG_MULTI_SZ                   = 0x7
	REG_RESOURCE_LIST              = 0x8
	REG_FULL_RESOURCE_DESCRIPTOR   = 0x9
	REG_RESOURCE_REQUIREMENTS_LIST = 0xa
	REG_QWORD                      = 0xb
	//
	REG_CREATED_NEW_KEY     = 0x1
	REG_OPENED_EXISTING_KEY = 0x2
	//
	CALG_MD4     = 0x8002
	CALG_MD5     = 0x8003
	CALG_SHA1    = 0x8004
	CALG_SHA_256 = 0x800c
	CALG_SHA_384 = 0x800d
	CALG_SHA_512 = 0x800e
	//
	HP_ALGID    = 0x1
	HP_HASHVAL  = 0x2
	HP_HASHSIZE = 0x4
	//
	PROV_RSA_FULL       = 0x1
	PROV_RSA_AES        = 0x18
	CRYPT_VERIFYCONTEXT = 0xf0000000
	//
	TokenUser               = 1
	TokenGroups             = 2
	TokenPrivileges         = 3
	TokenOwner              = 4
	TokenType               = 8
	TokenSessionId          = 12
	TokenElevationType      = 18
	TokenLinkedToken        = 19
	TokenElevation          = 20
	TokenIntegrityLevel     = 25
	TokenPrimary            = 1
	TokenImpersonation      = 2
	TokenElevationTypeFull  = 2
	TokenElevationTypeLimit = 3
	//
	SE_GROUP_INTEGRITY = 0x20
	//
	SECURITY_MANDATORY_LOW_RID    = 0x1000
	SECURITY_MANDATORY_MEDIUM_RID = 0x2000
	SECURITY_MANDATORY_HIGH_RID   = 0x3000
	SECURITY_MANDATORY_SYSTEM_RID = 0x4000
	//
	SERVICE_STOPPED       = 0x1
	SERVICE_START_PENDING = 0x2
	SERVICE_STOP_PENDING  = 0x3
	SERVICE_RUNNING       = 0x4
	SERVICE_PAUSED        = 0x7
	SERVICE_CONTROL_STOP  = 0x1
	SERVICE_CONTROL_PAUSE = 0x2
	SERVICE_WIN32_OWN     = 0x10
	//
	RRF_RT_ANY = 0xffff
)

// pseudo handles returned by GetCurrentProcessToken and friends, counted down
// from the all ones value of the pointer width
const (
	currentProcessTokenOffset       = 3 // (HANDLE)-4
	currentThreadTokenOffset        = 4 // (HANDLE)-5
	currentThreadEffectiveTokOffset = 5 // (HANDLE)-6
)

var hkeyNames = map[uint64]string{
	0x80000000: "HKEY_CLASSES_ROOT",
	0x80000001: "HKEY_CURRENT_USER",
	0x80000002: "HKEY_LOCAL_MACHINE",
	0x80000003: "HKEY_USERS",
	0x80000004: "HKEY_PERFORMANCE_DATA",
	0x80000005: "HKEY_CURRENT_CONFIG",
	0x80000006: "HKEY_DYN_DATA",
	0x80000007: "HKEY_CURRENT_USER_LOCAL_SETTINGS",
	0x80000050: "HKEY_PERFORMANCE_TEXT",
	0x80000060: "HKEY_PERFORMANCE_NLSTEXT",
}

var hkeyAliases = map[string]string{
	"HKCR": "HKEY_CLASSES_ROOT",
	"HKCU": "HKEY_CURRENT_USER",
	"HKLM": "HKEY_LOCAL_MACHINE",
	"HKU":  "HKEY_USERS",
	"HKCC": "HKEY_CURRENT_CONFIG",
}

var regTypeNames = map[uint32]string{
	REG_NONE:                       "REG_NONE",
	REG_SZ:                         "REG_SZ",
	REG_EXPAND_SZ:                  "REG_EXPAND_SZ",
	REG_BINARY:                     "REG_BINARY",
	REG_DWORD:                      "REG_DWORD",
	REG_DWORD_BIG_ENDIAN:           "REG_DWORD_BIG_ENDIAN",
	REG_LINK:                       "REG_LINK",
	REG_MULTI_SZ:                   "REG_MULTI_SZ",
	REG_RESOURCE_LIST:              "REG_RESOURCE_LIST",
	REG_FULL_RESOURCE_DESCRIPTOR:   "REG_FULL_RESOURCE_DESCRIPTOR",
	REG_RESOURCE_REQUIREMENTS_LIST: "REG_RESOURCE_REQUIREMENTS_LIST",
	REG_QWORD:                      "REG_QWORD",
}

// privilege LUIDs as assigned by a stock Windows 10 install
var privilegeLuids = map[string]uint64{
	"SeCreateTokenPrivilege":                    2,
	"SeAssignPrimaryTokenPrivilege":             3,
	"SeLockMemoryPrivilege":                     4,
	"SeIncreaseQuotaPrivilege":                  5,
	"SeMachineAccountPrivilege":                 6,
	"SeTcbPrivilege":                            7,
	"SeSecurityPrivilege":                       8,
	"SeTakeOwnershipPrivilege":                  9,
	"SeLoadDriverPrivilege":                     10,
	"SeSystemProfilePrivilege":                  11,
	"SeSystemtimePrivilege":                     12,
	"SeProfileSingleProcessPrivilege":           13,
	"SeIncreaseBasePriorityPrivilege":           14,
	"SeCreatePagefilePrivilege":                 15,
	"SeCreatePermanentPrivilege":                16,
	"SeBackupPrivilege":                         17,
	"SeRestorePrivilege":                        18,
	"SeShutdownPrivilege":                       19,
	"SeDebugPrivilege":                          20,
	"SeAuditPrivilege":                          21,
	"SeSystemEnvironmentPrivilege":              22,
	"SeChangeNotifyPrivilege":                   23,
	"SeRemoteShutdownPrivilege":                 24,
	"SeUndockPrivilege":                         25,
	"SeSyncAgentPrivilege":                      26,
	"SeEnableDelegationPrivilege":               27,
	"SeManageVolumePrivilege":                   28,
	"SeImpersonatePrivilege":                    29,
	"SeCreateGlobalPrivilege":                   30,
	"SeTrustedCredManAccessPrivilege":           31,
	"SeRelabelPrivilege":                        32,
	"SeIncreaseWorkingSetPrivilege":             33,
	"SeTimeZonePrivilege":                       34,
	"SeCreateSymbolicLinkPrivilege":             35,
	"SeDelegateSessionUserImpersonatePrivilege": 36,
}

// first LUID handed to a privilege name the table above does not know
const firstSyntheticLuid = 0x3e8
