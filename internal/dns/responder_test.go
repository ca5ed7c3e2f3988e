package dns

import (
	"context"
	"net"
	"testing"

	"github.com/miekg/dns"

	"manifold/internal/core/reconciler"
	"manifold/internal/core/topology"
	"manifold/internal/runtime"
)

type stubController struct {
	desired *topology.Topology
	addrs   map[string][]string
}

func (s *stubController) SetTopology(t *topology.Topology) { s.desired = t }
func (s *stubController) Run(ctx context.Context) error { return nil }
func (s *stubController) RunToConvergence(ctx context.Context) error { return nil }
func (s *stubController) TickOnce(ctx context.Context) (int, error) { return 0, nil }
func (s *stubController) Steady() bool { return true }
func (s *stubController) Statuses() []reconciler.ServiceStatus { return nil }
func (s *stubController) Instances() []runtime.Instance { return nil }
func (s *stubController) Lookup(service string) []string { return s.addrs[service] }
func (s *stubController) Desired() *topology.Topology { return s.desired }
func (s *stubController) Subscribe() (<-chan reconciler.Event, func()) {
	ch := make(chan reconciler.Event)
	return ch, func() {}
}

type fakeResponseWriter struct {
	msg *dns.Msg
}

func (w *fakeResponseWriter) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1053}
}

func (w *fakeResponseWriter) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5353}
}

func (w *fakeResponseWriter) WriteMsg(m *dns.Msg) error { w.msg = m; return nil }
func (w *fakeResponseWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *fakeResponseWriter) Close() error { return nil }
func (w *fakeResponseWriter) TsigStatus() error { return nil }
func (w *fakeResponseWriter) TsigTimersOnly(bool) {}
func (w *fakeResponseWriter) Hijack() {}

func testTopology(t *testing.T) *topology.Topology {
	t.Helper()
	topo, err := topology.NewTopologyService().Decode([]byte("topology:\n  name: vault\nservices:\n  consul:\n    image: hashicorp/consul:1.19\n"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return topo
}

func query(name string, qtype uint16) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	return m
}

func TestServeDnsAnswersKnownService(t *testing.T) {
	controller := &stubController{
		desired: nil,
		addrs:   map[string][]string{"consul": {"10.89.0.2", "10.89.0.3"}},
	}
	controller.desired = testTopology(t)

	responder := NewResponder(controller)
	w := &fakeResponseWriter{}
	responder.ServeDns(w, query("consul.vault.local.", dns.TypeA))

	if w.msg == nil {
		t.Fatalf("no response written")
	}
	if w.msg.Rcode != dns.RcodeSuccess {
		t.Fatalf("unexpected rcode: %d", w.msg.Rcode)
	}
	if len(w.msg.Answer) != 2 {
		t.Fatalf("expected 2 answers, got %d", len(w.msg.Answer))
	}
	a, ok := w.msg.Answer[0].(*dns.A)
	if !ok {
		t.Fatalf("expected A record, got %T", w.msg.Answer[0])
	}
	if a.A.String() != "10.89.0.2" {
		t.Fatalf("unexpected address: %s", a.A)
	}
}

func TestServeDnsUnknownServiceIsNxdomain(t *testing.T) {
	controller := &stubController{desired: testTopology(t), addrs: map[string][]string{}}

	responder := NewResponder(controller)
	w := &fakeResponseWriter{}
	responder.ServeDns(w, query("mystery.vault.local.", dns.TypeA))

	if w.msg == nil || w.msg.Rcode != dns.RcodeNameError {
		t.Fatalf("expected NXDOMAIN, got %+v", w.msg)
	}
}

func TestServeDnsRefusesForeignZone(t *testing.T) {
	controller := &stubController{desired: testTopology(t), addrs: map[string][]string{}}

	responder := NewResponder(controller)

	for _, name := range []string{"example.com.", "consul.other.local.", "deep.consul.vault.local."} {
		w := &fakeResponseWriter{}
		responder.ServeDns(w, query(name, dns.TypeA))
		if w.msg == nil || w.msg.Rcode != dns.RcodeRefused {
			t.Fatalf("expected REFUSED for %s, got %+v", name, w.msg)
		}
	}
}

func TestServeDnsKnownServiceWithoutInstancesIsEmptyNoerror(t *testing.T) {
	controller := &stubController{desired: testTopology(t), addrs: map[string][]string{}}

	responder := NewResponder(controller)
	w := &fakeResponseWriter{}
	responder.ServeDns(w, query("consul.vault.local.", dns.TypeA))

	if w.msg == nil || w.msg.Rcode != dns.RcodeSuccess {
		t.Fatalf("expected NOERROR, got %+v", w.msg)
	}
	if len(w.msg.Answer) != 0 {
		t.Fatalf("expected empty answer, got %v", w.msg.Answer)
	}
}

func TestServeDnsNonAQueryIsEmptyNoerror(t *testing.T) {
	controller := &stubController{
		desired: testTopology(t),
		addrs:   map[string][]string{"consul": {"10.89.0.2"}},
	}

	responder := NewResponder(controller)
	w := &fakeResponseWriter{}
	responder.ServeDns(w, query("consul.vault.local.", dns.TypeAAAA))

	if w.msg == nil || w.msg.Rcode != dns.RcodeSuccess {
		t.Fatalf("expected NOERROR, got %+v", w.msg)
	}
	if len(w.msg.Answer) != 0 {
		t.Fatalf("expected empty answer, got %v", w.msg.Answer)
	}
}
