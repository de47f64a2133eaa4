package routing

import (
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/l0p7/offgate/internal/config"
	"github.com/l0p7/offgate/internal/expr"
)

// Class names the request category the worker derived before picking a policy.
type Class string

const (
	// ClassPassthrough covers non-GET and cross-origin requests. These never
	// touch a cache store.
	ClassPassthrough Class = "passthrough"
	// ClassBypass covers excluded prefixes (API, admin) that must always see
	// live origin state.
	ClassBypass Class = "bypass"
	// ClassNavigation covers top-level HTML loads.
	ClassNavigation Class = "navigation"
	// ClassStatic covers asset paths that rarely change between versions.
	ClassStatic Class = "static"
	// ClassGeneric covers every remaining GET.
	ClassGeneric Class = "generic"
)

// Decision is the routing verdict for one request: its class, the policy to
// apply, and the override rule that produced the policy, if any.
type Decision struct {
	Class  Class
	Policy string
	Rule   string
}

// Rule is a compiled route override.
type Rule struct {
	Name    string
	Policy  string
	program expr.Program
}

// Classifier derives a Decision per request from the worker config plus any
// compiled CEL overrides.
type Classifier struct {
	publicHost       string
	excludedPrefixes []string
	staticPrefixes   []string
	staticExtensions []string
	rules            []Rule
}

// NewClassifier compiles the route overrides and captures the path sets the
// default classification consults.
func NewClassifier(worker config.WorkerConfig, publicHost string, routes []config.RouteRuleConfig) (*Classifier, error) {
	c := &Classifier{
		publicHost:       strings.TrimSpace(publicHost),
		excludedPrefixes: append([]string(nil), worker.ExcludedPrefixes...),
		staticPrefixes:   append([]string(nil), worker.StaticPrefixes...),
		staticExtensions: append([]string(nil), worker.StaticExtensions...),
	}
	if len(routes) == 0 {
		return c, nil
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}
	for _, route := range routes {
		program, err := env.Compile(route.Condition)
		if err != nil {
			return nil, fmt.Errorf("routing: rule %q: %w", route.Name, err)
		}
		c.rules = append(c.rules, Rule{Name: route.Name, Policy: route.Policy, program: program})
	}
	return c, nil
}

// Classify applies the guard rails first (non-GET and cross-origin requests
// always pass through, no override can cache them), then route overrides in
// declaration order, then the default prefix and navigation checks.
func (c *Classifier) Classify(r *http.Request) Decision {
	if r.Method != http.MethodGet {
		return Decision{Class: ClassPassthrough, Policy: config.PolicyPassthrough}
	}
	if c.publicHost != "" && !strings.EqualFold(requestHost(r), c.publicHost) {
		return Decision{Class: ClassPassthrough, Policy: config.PolicyPassthrough}
	}

	class := c.defaultClass(r)

	if len(c.rules) > 0 {
		activation := expr.RequestActivation(r)
		for _, rule := range c.rules {
			matched, err := rule.program.EvalBool(activation)
			if err != nil || !matched {
				continue
			}
			return Decision{Class: class, Policy: rule.Policy, Rule: rule.Name}
		}
	}

	switch class {
	case ClassBypass:
		return Decision{Class: class, Policy: config.PolicyBypass}
	case ClassNavigation:
		return Decision{Class: class, Policy: config.PolicyNetworkFirst}
	case ClassStatic:
		return Decision{Class: class, Policy: config.PolicyCacheFirst}
	default:
		return Decision{Class: ClassGeneric, Policy: config.PolicyNetworkFirst}
	}
}

func (c *Classifier) defaultClass(r *http.Request) Class {
	reqPath := r.URL.Path
	for _, prefix := range c.excludedPrefixes {
		if strings.HasPrefix(reqPath, prefix) {
			return ClassBypass
		}
	}
	if isNavigation(r) {
		return ClassNavigation
	}
	for _, prefix := range c.staticPrefixes {
		if strings.HasPrefix(reqPath, prefix) {
			return ClassStatic
		}
	}
	ext := strings.ToLower(path.Ext(reqPath))
	for _, staticExt := range c.staticExtensions {
		if ext == staticExt {
			return ClassStatic
		}
	}
	return ClassGeneric
}

// isNavigation reports whether the request is a top-level HTML load. Browsers
// send Sec-Fetch-Mode on modern engines; the Accept sniff keeps older clients
// and test harnesses classified correctly.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func requestHost(r *http.Request) string {
	host := r.Host
	if idx := strings.LastIndex(host, ":"); idx > 0 && !strings.Contains(host[idx:], "]") {
		host = host[:idx]
	}
	return host
}
