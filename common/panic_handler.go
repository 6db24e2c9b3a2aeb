package common

import (
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"
)

// PanicHandler is deferred at the top of every goroutine the node starts. A panic on any of them leaves the
// partition table in an unknown state so the process exits rather than carrying on.
func PanicHandler() {
	r := recover()
	if r == nil {
		return
	}
	log.Errorf("panic occurred in blockmgr %v\n%s", r, debug.Stack())
	os.Exit(1)
}
