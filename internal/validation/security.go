package validation

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/modelexchange/mxf/pkg/models"
)

// securityChecker enforces the filesystem and network policy for tools that
// declare they touch either. Paths must resolve inside the allow-list with
// symlinks followed; URLs must use an allowed protocol.
type securityChecker struct {
	allowedPaths     []string
	allowedProtocols map[string]struct{}
}

func newSecurityChecker(allowedPaths, allowedProtocols []string) *securityChecker {
	protocols := make(map[string]struct{}, len(allowedProtocols))
	for _, p := range allowedProtocols {
		protocols[strings.ToLower(p)] = struct{}{}
	}
	cleaned := make([]string, 0, len(allowedPaths))
	for _, p := range allowedPaths {
		cleaned = append(cleaned, filepath.Clean(p))
	}
	return &securityChecker{allowedPaths: cleaned, allowedProtocols: protocols}
}

// check scans the input for path-like and URL-like string values and flags
// violations. All security findings are high severity.
func (c *securityChecker) check(def models.ToolDefinition, input json.RawMessage) []models.Finding {
	if !def.TouchesFilesystem && !def.TouchesNetwork {
		return nil
	}
	var value any
	if err := json.Unmarshal(input, &value); err != nil {
		return nil // the schema stage already reported malformed input
	}

	var findings []models.Finding
	walkStrings(value, "", func(key, s string) {
		if def.TouchesFilesystem && looksLikePath(key, s) {
			if f := c.checkPath(s); f != nil {
				findings = append(findings, *f)
			}
		}
		if def.TouchesNetwork && looksLikeURL(s) {
			if f := c.checkURL(s); f != nil {
				findings = append(findings, *f)
			}
		}
	})
	return findings
}

func (c *securityChecker) checkPath(path string) *models.Finding {
	resolved := filepath.Clean(path)
	// Follow symlinks so a link inside the allow-list cannot escape it.
	if target, err := filepath.EvalSymlinks(resolved); err == nil {
		if target != resolved {
			if fi, lerr := os.Lstat(resolved); lerr == nil && fi.Mode()&os.ModeSymlink != 0 {
				return &models.Finding{
					Kind:     models.FindingSecurity,
					Severity: models.SeverityHigh,
					Message:  fmt.Sprintf("security: symlink rejected: %s", path),
				}
			}
		}
		resolved = target
	}
	for _, allowed := range c.allowedPaths {
		if resolved == allowed || strings.HasPrefix(resolved, allowed+string(filepath.Separator)) {
			return nil
		}
	}
	return &models.Finding{
		Kind:     models.FindingSecurity,
		Severity: models.SeverityHigh,
		Message:  fmt.Sprintf("security: path outside allow-list: %s", path),
	}
}

func (c *securityChecker) checkURL(raw string) *models.Finding {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return nil
	}
	if _, ok := c.allowedProtocols[strings.ToLower(u.Scheme)]; !ok {
		return &models.Finding{
			Kind:     models.FindingSecurity,
			Severity: models.SeverityHigh,
			Message:  fmt.Sprintf("security: protocol %q not allowed: %s", u.Scheme, raw),
		}
	}
	return nil
}

// walkStrings visits every string value in a decoded JSON document with the
// nearest object key.
func walkStrings(v any, key string, visit func(key, s string)) {
	switch x := v.(type) {
	case string:
		visit(key, x)
	case map[string]any:
		for k, el := range x {
			walkStrings(el, k, visit)
		}
	case []any:
		for _, el := range x {
			walkStrings(el, key, visit)
		}
	}
}

var pathKeyHints = []string{"path", "file", "dir", "directory", "dest", "source", "target"}

func looksLikePath(key, s string) bool {
	lower := strings.ToLower(key)
	for _, hint := range pathKeyHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return strings.HasPrefix(s, "/") || strings.HasPrefix(s, "./") || strings.HasPrefix(s, "../")
}

func looksLikeURL(s string) bool {
	return strings.Contains(s, "://")
}
