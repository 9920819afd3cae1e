package history

import "codeberg.org/mutker/zemo/internal/errors"

const (
	ErrInvalidDBPath = errors.ErrorCode("history_invalid_db_path")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("history_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("history_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("history_schema_migration_failed")

	// Storage Errors
	ErrStorageInit   = errors.ErrInitHistory
	ErrStorageClose  = errors.ErrCloseHistory
	ErrStorageAccess = errors.ErrorCode("history_storage_access_failed")
	ErrExportFailed  = errors.ErrorCode("history_export_failed")
)
