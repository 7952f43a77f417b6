package utls

import (
	"fmt"
	"strings"

	utls "github.com/refraction-networking/utls"
)

// namedClientHelloIDs maps the --utls-imitate CLI value to the concrete
// fingerprint utls ships with. Kept as a small, explicit table rather than
// reflection over the library so unknown names fail fast with a useful list.
var namedClientHelloIDs = map[string]utls.ClientHelloID{
	"hellofirefox_auto": utls.HelloFirefox_Auto,
	"hellochrome_auto":  utls.HelloChrome_Auto,
	"helloios_auto":     utls.HelloIOS_Auto,
	"helloandroid_11":   utls.HelloAndroid_11_OkHttp,
	"helloedge_auto":    utls.HelloEdge_Auto,
	"hellosafari_auto":  utls.HelloSafari_Auto,
	"hellorandomized":   utls.HelloRandomized,
}

// NameToUTLSID resolves a case-sensitive --utls-imitate name to the utls
// ClientHelloID it names.
func NameToUTLSID(name string) (utls.ClientHelloID, error) {
	id, ok := namedClientHelloIDs[name]
	if !ok {
		return utls.ClientHelloID{}, fmt.Errorf("unknown utls ClientHelloID name %q (known: %s)", name, strings.Join(ListAllNames(), ", "))
	}
	return id, nil
}

// ListAllNames returns the known --utls-imitate values, for --version output.
func ListAllNames() []string {
	names := make([]string, 0, len(namedClientHelloIDs))
	for name := range namedClientHelloIDs {
		names = append(names, name)
	}
	return names
}
