package version

import (
	"runtime/debug"
	"strconv"
)

// AppName identifies the service in metrics, traces and profiles.
const AppName = "buildgate"

var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

// Info is the build metadata reported by build_info and the CLI -version flag.
type Info struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

// String renders the one-line form printed by -version.
func (i Info) String() string {
	s := AppName + " " + i.Version + " (" + i.Commit
	if i.VCSDirty != nil && *i.VCSDirty {
		s += "-dirty"
	}
	if i.BuildDate != "" {
		s += ", built " + i.BuildDate
	}
	return s + ", " + i.GoVersion + ")"
}

// Get returns the linker-stamped values, completed from the VCS settings
// the go tool embeds when the linker left them unset.
func Get() Info {
	out := Info{
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		out.GoVersion = bi.GoVersion
		out.fillVCS(bi.Settings)
	}
	return out
}

func (i *Info) fillVCS(settings []debug.BuildSetting) {
	for _, s := range settings {
		if s.Value == "" {
			continue
		}
		switch s.Key {
		case "vcs.revision":
			if i.Commit == "none" {
				i.Commit = s.Value
			}
		case "vcs.time":
			i.CommitDate = s.Value
			if i.BuildDate == "" {
				i.BuildDate = s.Value
			}
		case "vcs.modified":
			if b, err := strconv.ParseBool(s.Value); err == nil {
				i.VCSDirty = &b
			}
		}
	}
}
