package meta

import (
	"fmt"
	"runtime"
)

// Info is the build information of the routeros binary, filled in by the
// linker:
//
//	go build -ldflags "-X github.com/luma/routeros/internal/meta.Version=1.2.0"
type Info struct {
	Version   string
	Build     string
	Branch    string
	BuildTime string
	Platform  string
	GoVersion string
	GoTag     string
}

var (
	Version string

	// Build is the git sha the binary was built from
	Build string

	Branch string

	// BuildTimeUTC is formatted as 2006/01/02 15:04:05
	BuildTimeUTC string

	// GoTag lists the build tags, if any
	GoTag string

	platform = fmt.Sprintf("%s %s", runtime.GOOS, runtime.GOARCH)
)

const unknown = "dev"

// GetInfo returns the build information. Values the linker did not set are
// reported as "dev".
func GetInfo() Info {
	return Info{
		GoVersion: runtime.Version(),
		Version:   orUnknown(Version),
		Build:     orUnknown(Build),
		Branch:    orUnknown(Branch),
		BuildTime: orUnknown(BuildTimeUTC),
		GoTag:     GoTag,
		Platform:  platform,
	}
}

// String renders the version line printed by `routeros version`.
func (i Info) String() string {
	s := fmt.Sprintf("routeros %s (%s, %s) built %s with %s on %s",
		i.Version, i.Build, i.Branch, i.BuildTime, i.GoVersion, i.Platform)

	if i.GoTag != "" {
		s += " tags " + i.GoTag
	}

	return s
}

func orUnknown(s string) string {
	if s == "" {
		return unknown
	}
	return s
}
