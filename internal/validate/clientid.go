package validate

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// NewClientID generates a client id in the `<component>-<pid>-<nanos>-<uuidv4>`
// form used to tag UDP registrations and real-time sessions.
func NewClientID(component string, nowUnixNanos int64) string {
	return fmt.Sprintf("%s-%d-%d-%s", component, os.Getpid(), nowUnixNanos, uuid.NewString())
}
