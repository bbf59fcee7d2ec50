// Package constants vends constants used in various components of the OpenOn
// letters service, e.g., env var names
package constants

const (
	// -------------- env vars --------------
	// common
	EnvVerbose = "OPENON_VERBOSE"
	// stores
	EnvRedisHost        = "REDIS_HOST"
	EnvRedisPort        = "REDIS_PORT"
	EnvRedisPasswd      = "REDIS_PASSWD"
	EnvRedisDB          = "REDIS_DB"
	EnvCouchAddr        = "COUCH_ADDR"
	EnvCouchUser        = "COUCH_USER"
	EnvCouchPasswd      = "COUCH_PASSWD"
	EnvCouchDraftDBName = "COUCH_DRAFT_DB_NAME"
	// servers
	EnvWriterHost         = "OPENON_WRITER_HOST"
	EnvWriterPort         = "OPENON_WRITER_PORT"
	EnvReaderHost         = "OPENON_READER_HOST"
	EnvReaderPort         = "OPENON_READER_PORT"
	EnvReqBodySizeMaxByte = "OPENON_REQ_BODY_SIZE_MAX_BYTE"
	EnvSessionSecret      = "OPENON_SESSION_SECRET"
	EnvAutosaveDebounce   = "OPENON_AUTOSAVE_DEBOUNCE"
	EnvEditSessionIdleTTL = "OPENON_EDIT_SESSION_IDLE_TTL"
	// revealer
	EnvRevealerLocalCacheSize      = "OPENON_REVEALER_LOCAL_CACHE_SIZE"
	EnvRevealerSweepFreq           = "OPENON_REVEALER_SWEEP_FREQ"
	EnvRevealerMaxSweepLoad        = "OPENON_REVEALER_MAX_SWEEP_LOAD"
	EnvRevealerExecutorPoolSize    = "OPENON_REVEALER_EXEC_POOL_SIZE"
	EnvRevealerWIPCacheEntryExpiry = "OPENON_REVEALER_WIP_CACHE_ENTRY_EXPIRY"
	// reveal notices
	EnvSMTPAddr   = "OPENON_SMTP_ADDR"
	EnvSMTPFrom   = "OPENON_SMTP_FROM"
	EnvSMTPUser   = "OPENON_SMTP_USER"
	EnvSMTPPasswd = "OPENON_SMTP_PASSWD"

	// -------------- log fields --------------
	LogFieldFuncName = "funcName"
)
