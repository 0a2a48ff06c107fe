package provisioner

// Bridges for the external test package.
var (
	NewReadyWaiter = newReadyWaiter
	MigrateLockKey = migrateLockKey
)
