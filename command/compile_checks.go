package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[BootstrapMessage]   = (*BootstrapCommand)(nil)
	_ gocmd.Commander[RefreshMessage]     = (*RefreshCommand)(nil)
	_ gocmd.Commander[SyncMessage]        = (*SyncCommand)(nil)
	_ gocmd.Commander[EnqueueSyncMessage] = (*EnqueueSyncCommand)(nil)
)
