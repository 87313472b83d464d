// Package policy validates coworker plans against an allowlist-based
// execution policy before any tool call is allowed to run.
package policy

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/antigravity-dev/coworker/internal/plan"
	"github.com/antigravity-dev/coworker/internal/registry"
)

// Policy bounds what a coworker plan is permitted to touch.
type Policy struct {
	AllowedRoots    []string
	MaxReadBytes    int
	MaxWriteBytes   int
	MaxWebBytes     int
	MaxQueryChars   int
	RequireApproval bool
	WebEnabled      bool
	WebAllowlist    []string
}

// FromConfig builds a Policy from raw config values, the paths selected
// for this task, and any extra roots the caller wants included. Paths
// are expanded, resolved to absolute form, and de-duplicated; a file
// path contributes its parent directory as the allowed root.
func FromConfig(cfg map[string]any, selectedPaths []string, extraRoots []string) (Policy, error) {
	var allowed []string

	if rawList, ok := cfg["coworker_allowed_paths"].([]string); ok {
		for _, raw := range rawList {
			resolved, err := resolvePath(raw)
			if err != nil {
				return Policy{}, err
			}
			allowed = append(allowed, resolved)
		}
	}

	for _, p := range selectedPaths {
		resolved, err := resolvePath(p)
		if err != nil {
			return Policy{}, err
		}
		info, statErr := os.Stat(resolved)
		if statErr == nil && !info.IsDir() {
			resolved = filepath.Dir(resolved)
		}
		allowed = append(allowed, resolved)
	}

	for _, p := range extraRoots {
		resolved, err := resolvePath(p)
		if err != nil {
			return Policy{}, err
		}
		allowed = append(allowed, resolved)
	}

	return Policy{
		AllowedRoots:    dedupePaths(allowed),
		MaxReadBytes:    intFromConfig(cfg, "coworker_max_read_bytes", 200000),
		MaxWriteBytes:   intFromConfig(cfg, "coworker_max_write_bytes", 200000),
		MaxWebBytes:     intFromConfig(cfg, "coworker_web_max_bytes", 200000),
		MaxQueryChars:   intFromConfig(cfg, "coworker_web_max_query_chars", 256),
		RequireApproval: boolFromConfig(cfg, "coworker_require_approval", true),
		WebEnabled:      boolFromConfig(cfg, "coworker_web_enabled", false),
		WebAllowlist:    stringsFromConfig(cfg, "coworker_web_allowlist"),
	}, nil
}

// Validate checks every tool call in a plan against the policy and the
// tool registry, returning every violation found (not just the first).
func Validate(p *plan.Plan, pol Policy, reg *registry.Registry) []string {
	var errs []string
	if len(pol.AllowedRoots) == 0 {
		errs = append(errs, "No allowed roots configured for coworker plan.")
	}

	callIDs := make(map[string]bool, len(p.ToolCalls))
	for _, call := range p.ToolCalls {
		if call.ID != "" {
			callIDs[call.ID] = true
		}
	}
	for _, c := range p.Checkpoints {
		if !callIDs[c] {
			errs = append(errs, fmt.Sprintf("Checkpoint %q is not a tool call id.", c))
		}
	}

	for _, call := range p.ToolCalls {
		if strings.TrimSpace(call.Tool) == "" {
			errs = append(errs, "Tool call missing tool name.")
			continue
		}
		if _, ok := reg.Get(call.Tool); !ok {
			errs = append(errs, fmt.Sprintf("Tool not allowlisted: %s", call.Tool))
			continue
		}
		if call.Args == nil {
			errs = append(errs, fmt.Sprintf("Tool args must be object: %s", call.Tool))
			continue
		}
		switch {
		case strings.HasPrefix(call.Tool, "fs."):
			errs = append(errs, validateFSCall(call.Tool, call.Args, pol)...)
		case strings.HasPrefix(call.Tool, "doc."):
			errs = append(errs, validateDocCall(call.Tool, call.Args, pol)...)
		case call.Tool == "web.fetch":
			errs = append(errs, validateWebCall(call.Args, pol)...)
		}
	}
	return errs
}

func validateFSCall(tool string, args map[string]any, pol Policy) []string {
	var errs []string
	rawPath, _ := args["path"].(string)
	if rawPath == "" {
		return []string{fmt.Sprintf("%s missing path", tool)}
	}
	path, err := resolvePath(rawPath)
	if err != nil {
		return []string{fmt.Sprintf("%s path invalid: %v", tool, err)}
	}
	if !isWithinRoots(path, pol.AllowedRoots) {
		return []string{fmt.Sprintf("%s path outside allowlist: %s", tool, path)}
	}

	switch tool {
	case "fs.read_text":
		maxBytes := intArg(args, "max_bytes", pol.MaxReadBytes)
		if maxBytes <= 0 {
			errs = append(errs, "fs.read_text max_bytes must be positive")
		}
		if maxBytes > pol.MaxReadBytes {
			errs = append(errs, "fs.read_text max_bytes exceeds policy limit")
		}
		info, statErr := os.Stat(path)
		if statErr != nil || info.IsDir() {
			errs = append(errs, fmt.Sprintf("fs.read_text file missing: %s", path))
		}
	case "fs.list_dir":
		info, statErr := os.Stat(path)
		if statErr != nil || !info.IsDir() {
			errs = append(errs, fmt.Sprintf("fs.list_dir directory missing: %s", path))
		}
	case "fs.propose_write_file":
		errs = append(errs, validateWriteContent(args, pol, "fs.propose_write_file")...)
	case "fs.apply_write_file":
		errs = append(errs, validateWriteContent(args, pol, "fs.apply_write_file")...)
		if _, statErr := os.Stat(path); statErr == nil {
			errs = append(errs, "fs.apply_write_file cannot overwrite existing file in v1")
		}
		if _, statErr := os.Stat(filepath.Dir(path)); statErr != nil {
			errs = append(errs, "fs.apply_write_file parent directory missing")
		}
	case "fs.move", "fs.rename":
		dstRaw, _ := args["dst"].(string)
		if dstRaw == "" {
			return append(errs, fmt.Sprintf("%s missing dst", tool))
		}
		dst, dstErr := resolvePath(dstRaw)
		if dstErr != nil {
			return append(errs, fmt.Sprintf("%s dst invalid: %v", tool, dstErr))
		}
		if !isWithinRoots(dst, pol.AllowedRoots) {
			errs = append(errs, fmt.Sprintf("%s dst outside allowlist: %s", tool, dst))
		}
		if _, statErr := os.Stat(path); statErr != nil {
			errs = append(errs, fmt.Sprintf("%s src missing: %s", tool, path))
		}
		if _, statErr := os.Stat(dst); statErr == nil {
			errs = append(errs, fmt.Sprintf("%s dst exists (overwrite not allowed)", tool))
		}
	}
	return errs
}

func validateWriteContent(args map[string]any, pol Policy, tool string) []string {
	var errs []string
	content, ok := args["content"].(string)
	if !ok {
		errs = append(errs, fmt.Sprintf("%s requires content", tool))
		return errs
	}
	if len(content) > pol.MaxWriteBytes {
		errs = append(errs, fmt.Sprintf("%s content exceeds policy limit", tool))
	}
	return errs
}

var docAllowedKeys = map[string]bool{"path": true, "max_chars": true, "ocr_mode": true}

func validateDocCall(tool string, args map[string]any, pol Policy) []string {
	var errs []string
	for key := range args {
		if !docAllowedKeys[key] {
			errs = append(errs, fmt.Sprintf("%s includes unsupported fields", tool))
			break
		}
	}
	rawPath, _ := args["path"].(string)
	if rawPath == "" {
		return append(errs, fmt.Sprintf("%s missing path", tool))
	}
	path, err := resolvePath(rawPath)
	if err != nil {
		return append(errs, fmt.Sprintf("%s path invalid: %v", tool, err))
	}
	if !isWithinRoots(path, pol.AllowedRoots) {
		errs = append(errs, fmt.Sprintf("%s path outside allowlist: %s", tool, path))
	}
	info, statErr := os.Stat(path)
	if statErr != nil || info.IsDir() {
		errs = append(errs, fmt.Sprintf("%s file missing: %s", tool, path))
	}

	if ocrMode, ok := args["ocr_mode"]; ok {
		modeStr, isStr := ocrMode.(string)
		if !isStr || (modeStr != "off" && modeStr != "ask" && modeStr != "on") {
			errs = append(errs, fmt.Sprintf("%s invalid ocr_mode", tool))
		}
	}

	if rawMaxChars, ok := args["max_chars"]; ok {
		maxChars, convErr := asPositiveInt(rawMaxChars)
		if convErr != nil {
			errs = append(errs, fmt.Sprintf("%s max_chars must be integer", tool))
		} else {
			if maxChars <= 0 {
				errs = append(errs, fmt.Sprintf("%s max_chars must be positive", tool))
			}
			if maxChars > pol.MaxReadBytes {
				errs = append(errs, fmt.Sprintf("%s max_chars exceeds policy limit", tool))
			}
		}
	}
	return errs
}

var webAllowedKeys = map[string]bool{"url": true, "allowlist": true, "max_bytes": true, "method": true, "allow_query": true}
var webForbiddenKeys = []string{"body", "payload", "data", "content", "text", "file", "files"}

func validateWebCall(args map[string]any, pol Policy) []string {
	var errs []string
	if !pol.WebEnabled {
		return []string{"web.fetch blocked (web not enabled)"}
	}
	for key := range args {
		if !webAllowedKeys[key] {
			errs = append(errs, "web.fetch includes unsupported fields")
			break
		}
	}
	for _, forbidden := range webForbiddenKeys {
		if _, ok := args[forbidden]; ok {
			errs = append(errs, "web.fetch cannot send local content")
		}
	}

	var allowQuery bool
	if raw, ok := args["allow_query"]; ok {
		b, isBool := raw.(bool)
		if !isBool {
			errs = append(errs, "web.fetch allow_query must be boolean")
		} else {
			allowQuery = b
		}
	}

	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return append(errs, "web.fetch missing url")
	}

	rawAllowlist, ok := args["allowlist"].([]any)
	if !ok || len(rawAllowlist) == 0 {
		return append(errs, "web.fetch requires per-task allowlist")
	}
	allowlistEntries := make([]string, 0, len(rawAllowlist))
	normalizedAllowlist := make(map[string]bool, len(rawAllowlist))
	for _, e := range rawAllowlist {
		s := fmt.Sprintf("%v", e)
		allowlistEntries = append(allowlistEntries, s)
		normalizedAllowlist[strings.ToLower(s)] = true
	}
	if len(pol.WebAllowlist) > 0 {
		policyAllowlist := make(map[string]bool, len(pol.WebAllowlist))
		for _, e := range pol.WebAllowlist {
			policyAllowlist[strings.ToLower(e)] = true
		}
		for entry := range normalizedAllowlist {
			if !policyAllowlist[entry] {
				return append(errs, "web.fetch allowlist not permitted by policy")
			}
		}
	}

	parsed, parseErr := url.Parse(rawURL)
	if parseErr != nil {
		return append(errs, "web.fetch only supports http(s)")
	}
	host := parsed.Hostname()
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return append(errs, "web.fetch only supports http(s)")
	}
	if parsed.RawQuery != "" {
		if !allowQuery {
			errs = append(errs, "web.fetch query requires allow_query=true")
		}
		if len(parsed.RawQuery) > pol.MaxQueryChars {
			errs = append(errs, "web.fetch query exceeds policy limit")
		}
	}
	if !hostAllowed(host, allowlistEntries) {
		errs = append(errs, "web.fetch url not in allowlist")
	}

	maxBytes := intArg(args, "max_bytes", pol.MaxWebBytes)
	if maxBytes <= 0 {
		errs = append(errs, "web.fetch max_bytes must be positive")
	}
	if maxBytes > pol.MaxWebBytes {
		errs = append(errs, "web.fetch max_bytes exceeds policy limit")
	}

	method := "GET"
	if rawMethod, ok := args["method"].(string); ok && rawMethod != "" {
		method = strings.ToUpper(rawMethod)
	}
	if method != "GET" {
		errs = append(errs, "web.fetch method must be GET")
	}
	return errs
}

// HostAllowed reports whether host matches or is a subdomain of one of
// the allowlist entries. Exported for reuse by internal/webfetch's
// per-redirect-hop re-validation.
func HostAllowed(host string, allowlist []string) bool {
	return hostAllowed(host, allowlist)
}

func hostAllowed(host string, allowlist []string) bool {
	host = strings.ToLower(host)
	for _, entry := range allowlist {
		candidate := strings.ToLower(entry)
		if host == candidate || strings.HasSuffix(host, "."+candidate) {
			return true
		}
	}
	return false
}

func resolvePath(raw string) (string, error) {
	expanded := raw
	if strings.HasPrefix(raw, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		expanded = filepath.Join(home, strings.TrimPrefix(raw, "~"))
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

func isWithinRoots(path string, roots []string) bool {
	for _, root := range roots {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			continue
		}
		if rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)) {
			return true
		}
	}
	return false
}

func dedupePaths(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	var out []string
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func intFromConfig(cfg map[string]any, key string, def int) int {
	if raw, ok := cfg[key]; ok {
		if n, err := asPositiveInt(raw); err == nil {
			return n
		}
	}
	return def
}

func boolFromConfig(cfg map[string]any, key string, def bool) bool {
	if raw, ok := cfg[key]; ok {
		if b, isBool := raw.(bool); isBool {
			return b
		}
	}
	return def
}

func stringsFromConfig(cfg map[string]any, key string) []string {
	raw, ok := cfg[key].([]string)
	if !ok {
		return nil
	}
	return raw
}

func intArg(args map[string]any, key string, def int) int {
	if raw, ok := args[key]; ok {
		if n, err := asPositiveInt(raw); err == nil {
			return n
		}
	}
	return def
}

func asPositiveInt(raw any) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("not an integer")
		}
		return int(v), nil
	case string:
		return strconv.Atoi(v)
	default:
		return 0, fmt.Errorf("not an integer")
	}
}
