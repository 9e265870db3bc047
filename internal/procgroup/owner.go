package procgroup

import (
	"os"
	"strconv"
)

// OwnerEnv is set in the environment of process trees started by a worker
// so leftovers can be told apart from unrelated processes with the same name.
const OwnerEnv = "WEBGAUGE_OWNER_PID"

// OwnerMarker returns the OwnerEnv entry naming the current process.
func OwnerMarker() string {
	return OwnerEnv + "=" + strconv.Itoa(os.Getpid())
}
