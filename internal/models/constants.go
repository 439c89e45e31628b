package models

// Background task names, also used as scheduler job suffixes and task_logs.task_name.
const (
	TaskSyncCatalog = "sync_catalog"
	TaskSyncGuides  = "sync_guides"
)
