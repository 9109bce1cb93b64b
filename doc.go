// Package frpauth is an frps server plugin that authorizes client logins
// and proxy creation against a per-user allow list and a global deny list.
//
// frps calls the plugin before it accepts a Login or creates a proxy
// (NewProxy). The plugin answers with accept or reject and, for an accepted
// NewProxy, returns the proxy content with subdomain routing stripped.
//
// # Policy Document
//
// The policy is a YAML file:
//
//	globalDeny:
//	  proxyTypes: [stcp]
//	  remotePorts: ["22", "8080"]
//	  domains: ["*.internal.example.com"]
//	users:
//	  - user: alice
//	    password: secret
//	    allow:
//	      proxyTypes: [tcp, https]
//	      remotePorts: ["8000-9000"]
//	      domains: ["*.example.com"]
//
// proxyTypes defaults to [http, https] when omitted. Empty remotePorts or
// domains grant nothing. A wildcard "*.example.com" matches any subdomain
// of example.com but not example.com itself. Global deny entries win over
// user allow entries.
//
// # Evaluation
//
// [AuthorizeLogin] and [AuthorizeNewProxy] are pure functions over a
// [Configuration]. Rejections are [Decision] values with a reason string
// that frps passes back to the client.
//
//	cfg, err := frpauth.LoadConfiguration("auth.yml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	d := frpauth.AuthorizeNewProxy(cfg, frpauth.NewProxyRequest{
//	    User:          "alice",
//	    ProxyType:     "https",
//	    CustomDomains: []string{"app.example.com"},
//	})
//
// # Hot Reload
//
// A [Store] holds the active Configuration and swaps it atomically. A
// [Reloader] is the single reload path; it is driven by a file watcher
// ([Reloader.WatchFile]), SIGHUP ([WatchSIGHUP]) and POST /reload. Reloads
// never overlap, are debounced, and keep the previous Configuration when the
// new document is invalid.
//
//	store := frpauth.NewStore()
//	r := frpauth.NewReloader("auth.yml", store)
//	if _, err := r.Reload(frpauth.TriggerStartup); err != nil {
//	    log.Print(err)
//	}
//	fw, _ := r.WatchFile()
//	defer fw.Cancel()
//
// # Serving
//
// [Server] mounts the plugin [Handler] at POST /handler together with the
// admin endpoints, probes and Prometheus metrics. Configure frps with:
//
//	[[httpPlugins]]
//	name = "frpauth"
//	addr = "127.0.0.1:7005"
//	path = "/handler"
//	ops = ["Login", "NewProxy"]
package frpauth
