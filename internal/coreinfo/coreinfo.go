// ABOUTME: Normalized identity of the remote Core learned during registration
package coreinfo

import (
	"encoding/json"
	"log"

	"github.com/Masterminds/semver/v3"
)

// Info is the identity captured from a successful Registered response.
type Info struct {
	CoreID         string
	DisplayName    string
	DisplayVersion string
	Version        *semver.Version // nil if DisplayVersion did not parse
}

// FromRegistered extracts Info from a Registered body. display_version is
// parsed best-effort: a non-semver string is logged and left as nil
// rather than failing registration.
func FromRegistered(body json.RawMessage) Info {
	var raw struct {
		CoreID         string `json:"core_id"`
		DisplayName    string `json:"display_name"`
		DisplayVersion string `json:"display_version"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &raw); err != nil {
			log.Printf("coreinfo: could not decode Registered body: %v", err)
		}
	}

	info := Info{
		CoreID:         raw.CoreID,
		DisplayName:    raw.DisplayName,
		DisplayVersion: raw.DisplayVersion,
	}

	if raw.DisplayVersion != "" {
		v, err := semver.NewVersion(raw.DisplayVersion)
		if err != nil {
			log.Printf("coreinfo: display_version %q is not semver: %v", raw.DisplayVersion, err)
		} else {
			info.Version = v
		}
	}

	return info
}
