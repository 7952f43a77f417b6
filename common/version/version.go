package version

import (
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
)

var version = func() string {
	ver := "1.0.0"
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				return fmt.Sprintf("%v (%v)", ver, setting.Value[:8])
			}
		}
	}
	return ver
}()

func GetVersion() string {
	return version
}

var (
	detailsLock sync.Mutex
	details     []string
)

// AddVersionDetail registers an extra block of text to be appended to
// ConstructResult, e.g. the set of uTLS ClientHelloIDs a build knows about.
func AddVersionDetail(detail string) {
	detailsLock.Lock()
	defer detailsLock.Unlock()
	details = append(details, detail)
}

// ConstructResult assembles the version string together with any details
// registered via AddVersionDetail, for display behind a --version flag.
func ConstructResult() string {
	detailsLock.Lock()
	defer detailsLock.Unlock()
	var b strings.Builder
	b.WriteString(version)
	b.WriteRune('\n')
	for _, d := range details {
		b.WriteString(d)
	}
	return b.String()
}
