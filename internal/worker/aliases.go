package worker

import (
	"encoding/json"
	"fmt"
	"strings"
)

// alias rewrites a src path prefix to a dest prefix. ExcludePaths holds
// regular expressions; a published path matching one of them is left
// out of the flush set when the alias changes.
type alias struct {
	Src          string   `json:"src"`
	Dest         string   `json:"dest"`
	ExcludePaths []string `json:"exclude_paths"`
}

// cdnConfig is the slice of the deployed config blob the workers care
// about: alias sets and listing entries.
type cdnConfig struct {
	Listing     map[string]json.RawMessage `json:"listing"`
	OriginAlias []alias                    `json:"origin_alias"`
	GlobalAlias []alias                    `json:"global_alias"`
	RhuiAlias   []alias                    `json:"rhui_alias"`
}

// parseCDNConfig decodes a config blob. A nil blob yields an empty
// config, so "no previous deployment" needs no special casing.
func parseCDNConfig(blob json.RawMessage) (*cdnConfig, error) {
	cfg := &cdnConfig{}
	if len(blob) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(blob, cfg); err != nil {
		return nil, fmt.Errorf("parse CDN config: %w", err)
	}
	return cfg, nil
}

func (c *cdnConfig) aliases() []alias {
	out := make([]alias, 0, len(c.OriginAlias)+len(c.GlobalAlias)+len(c.RhuiAlias))
	out = append(out, c.OriginAlias...)
	out = append(out, c.GlobalAlias...)
	out = append(out, c.RhuiAlias...)
	return out
}

// matchesAlias reports whether uri falls under the alias src prefix.
func matchesAlias(uri, src string) bool {
	return uri == src || strings.HasPrefix(uri, src+"/")
}

// resolveAliases rewrites uri through the alias set until a full pass
// changes nothing. Each alias applies at most once, so cyclic pairs
// terminate.
func resolveAliases(uri string, aliases []alias) string {
	applied := make([]bool, len(aliases))
	for changed := true; changed; {
		changed = false
		for i, a := range aliases {
			if applied[i] || a.Src == "" || a.Src == a.Dest {
				continue
			}
			if matchesAlias(uri, a.Src) {
				uri = a.Dest + strings.TrimPrefix(uri, a.Src)
				applied[i] = true
				changed = true
			}
		}
	}
	return uri
}
