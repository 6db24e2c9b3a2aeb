package common

import (
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/squareup/blockmgr/errors"
)

// LogInternalError logs err together with a random reference and returns an error carrying only that reference, so
// the fault can be matched up in the logs of the node that raised it.
func LogInternalError(err error) errors.BlockError {
	id, err2 := uuid.NewRandom()
	var errRef string
	if err2 != nil {
		log.Errorf("failed to generate uuid %v", err2)
		errRef = ""
	} else {
		errRef = id.String()
	}
	log.Errorf("internal error occurred with reference %s\n%+v", errRef, err)
	return errors.NewInternalError(errRef)
}
