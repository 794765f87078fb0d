//go:build integration

package integration

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rocketbitz/memxchg/exchange"
	"github.com/rocketbitz/memxchg/peer"
)

const serverReply = "Response from server!"

func TestExchangeEndToEnd(t *testing.T) {
	for _, cfg := range integrationProviderConfigs() {
		for _, mode := range []exchange.DispatchMode{exchange.TwoSided, exchange.OneSidedWrite} {
			cfg, mode := cfg, mode
			t.Run(cfg.Provider+"/"+mode.String(), func(t *testing.T) {
				applyProviderEnvironment(t, cfg)
				runExchange(t, cfg, mode)
			})
		}
	}
}

func runExchange(t *testing.T, pc providerConfig, mode exchange.DispatchMode) {
	node := firstNonEmpty(pc.Node, "127.0.0.1")
	service := firstNonEmpty(pc.Service, pickServicePort())
	pcfg := peer.Config{Provider: pc.Provider, Node: node, Service: service}
	xcfg := exchange.Config{Mode: mode, BufferSize: 2 * exchange.DefaultPageSize, Layout: exchange.LayoutExtended}

	listener, err := peer.Listen(pcfg)
	if err != nil {
		t.Skipf("MSG listener unavailable: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- serveOnce(ctx, listener, xcfg)
	}()

	buf, err := exchange.AllocBuffer(xcfg.BufferSize, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = buf.Close() })
	registry := exchange.NewRegistry(xcfg.Layout)
	conn, err := peer.Dial(ctx, pcfg, registry, buf.Bytes())
	if err != nil {
		t.Skipf("MSG connect unavailable: %v", err)
	}
	session, err := exchange.NewSession(xcfg, registry, conn)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := session.Trigger(ctx, append([]byte(fmt.Sprintf("Request %d", i)), 0))
		require.NoError(t, err)
		require.Equal(t, serverReply, string(exchange.TrimNUL(res.Response)))
	}
	require.NoError(t, session.Close())

	select {
	case err := <-serverDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not complete")
	}
}

// serveOnce answers three requests on one accepted connection.
func serveOnce(ctx context.Context, l *peer.Listener, cfg exchange.Config) error {
	buf, err := exchange.AllocBuffer(cfg.BufferSize, false)
	if err != nil {
		return err
	}
	defer buf.Close()
	registry := exchange.NewRegistry(cfg.Layout)
	conn, err := l.Accept(ctx, registry, buf.Bytes())
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	session, err := exchange.NewSession(cfg, registry, conn)
	if err != nil {
		return err
	}
	defer session.Close()

	for i := 0; i < 3; i++ {
		if err := session.Dispatcher().Respond(ctx, func(req []byte) []byte {
			return append([]byte(serverReply), 0)
		}); err != nil {
			return fmt.Errorf("respond %d: %w", i, err)
		}
	}
	return nil
}

type providerConfig struct {
	Provider string
	Node     string
	Service  string
	Env      map[string]string
}

// integrationProviderConfigs reads MEMXCHG_E2E_PROVIDERS ("tcp,verbs;ofi_rxm")
// and MEMXCHG_E2E_HINTS ("tcp:node=10.0.0.1,iface=eth0,env.FI_TCP_IFACE=eth0").
func integrationProviderConfigs() []providerConfig {
	raw := firstNonEmpty(os.Getenv("MEMXCHG_E2E_PROVIDERS"), "tcp")
	hints := parseProviderHints(os.Getenv("MEMXCHG_E2E_HINTS"))

	var configs []providerConfig
	for _, part := range strings.Split(raw, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		cfg := providerConfig{
			Provider: name,
			Node:     os.Getenv("MEMXCHG_E2E_NODE"),
			Service:  os.Getenv("MEMXCHG_E2E_SERVICE"),
		}
		configs = append(configs, applyProviderHints(cfg, hints[strings.ToLower(name)]))
	}
	return configs
}

func applyProviderEnvironment(t *testing.T, cfg providerConfig) {
	for key, value := range cfg.Env {
		if value != "" {
			t.Setenv(key, value)
		}
	}
	if strings.EqualFold(cfg.Provider, "tcp") && os.Getenv("FI_TCP_IFACE") == "" {
		if iface := defaultLoopbackInterface(); iface != "" {
			t.Setenv("FI_TCP_IFACE", iface)
		}
	}
}

func parseProviderHints(raw string) map[string]map[string]string {
	hints := make(map[string]map[string]string)
	for _, entry := range strings.Split(strings.TrimSpace(raw), ";") {
		provider, rest, _ := strings.Cut(strings.TrimSpace(entry), ":")
		provider = strings.ToLower(strings.TrimSpace(provider))
		if provider == "" {
			continue
		}
		hint := hints[provider]
		if hint == nil {
			hint = make(map[string]string)
			hints[provider] = hint
		}
		for _, kv := range strings.Split(rest, ",") {
			key, value, _ := strings.Cut(strings.TrimSpace(kv), "=")
			if key = strings.TrimSpace(key); key != "" {
				hint[strings.ToLower(key)] = strings.TrimSpace(value)
			}
		}
	}
	return hints
}

func applyProviderHints(cfg providerConfig, hint map[string]string) providerConfig {
	if v := hint["node"]; v != "" {
		cfg.Node = v
	}
	if v := hint["service"]; v != "" {
		cfg.Service = v
	}
	for key, value := range hint {
		name, ok := strings.CutPrefix(key, "env.")
		if !ok || name == "" {
			continue
		}
		if cfg.Env == nil {
			cfg.Env = make(map[string]string)
		}
		cfg.Env[strings.ToUpper(name)] = value
	}
	if v := hint["iface"]; v != "" {
		if cfg.Env == nil {
			cfg.Env = make(map[string]string)
		}
		cfg.Env["FI_TCP_IFACE"] = v
	}
	return cfg
}

func defaultLoopbackInterface() string {
	switch runtime.GOOS {
	case "darwin":
		return "lo0"
	case "linux":
		return "lo"
	default:
		return ""
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func pickServicePort() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "47700"
	}
	defer ln.Close()
	return strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
}
