package dns

import (
	"log"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"manifold/internal/core/reconciler"
	"manifold/internal/core/topology"
)

const defaultTtl = 5

// Responder answers discovery queries of the form
// <service>.<topology>.local. with the addresses of running instances.
// Anything outside the topology zone gets REFUSED; unknown services in
// the zone get NXDOMAIN.
type Responder struct {
	controllerHandler reconciler.ControllerHandler
	ttl               uint32
}

func NewResponder(controller reconciler.ControllerHandler) *Responder {
	return &Responder{
		controllerHandler: controller,
		ttl:               defaultTtl,
	}
}

func StartDnsResponder(listenAddr string, controller reconciler.ControllerHandler) {
	responder := NewResponder(controller)

	mux := dns.NewServeMux()
	mux.HandleFunc(".", responder.ServeDns)

	udpServer := &dns.Server{Addr: listenAddr, Net: "udp", Handler: mux}
	tcpServer := &dns.Server{Addr: listenAddr, Net: "tcp", Handler: mux}

	go func() {
		log.Printf("[*] dns responder start udp listen=%s", listenAddr)
		if err := udpServer.ListenAndServe(); err != nil {
			log.Fatal(err)
		}
	}()
	go func() {
		log.Printf("[*] dns responder start tcp listen=%s", listenAddr)
		if err := tcpServer.ListenAndServe(); err != nil {
			log.Fatal(err)
		}
	}()
}

func (s *Responder) ServeDns(w dns.ResponseWriter, r *dns.Msg) {
	start := time.Now()

	reply := func(rcode int, answers []dns.RR) {
		m := new(dns.Msg)
		m.SetReply(r)
		m.Authoritative = true
		m.Rcode = rcode
		m.Answer = answers
		_ = w.WriteMsg(m)
	}

	if r == nil || len(r.Question) == 0 {
		reply(dns.RcodeFormatError, nil)
		return
	}

	q := r.Question[0]

	desired := s.controllerHandler.Desired()
	if desired == nil {
		reply(dns.RcodeRefused, nil)
		return
	}

	service, ok := splitName(desired, q.Name)
	if !ok {
		reply(dns.RcodeRefused, nil)
		return
	}

	if _, known := desired.Get(service); !known {
		reply(dns.RcodeNameError, nil)
		log.Printf("[*] dns query: name=%s type=%s rcode=NXDOMAIN elapsed=%s", q.Name, dns.TypeToString[q.Qtype], time.Since(start))
		return
	}

	// a known service with no healthy instance answers empty NOERROR
	addrs := s.controllerHandler.Lookup(service)

	// non-A queries for a known name answer empty NOERROR
	var answers []dns.RR
	if q.Qtype == dns.TypeA || q.Qtype == dns.TypeANY {
		for _, addr := range addrs {
			ip := net.ParseIP(addr)
			if ip == nil || ip.To4() == nil {
				continue
			}
			answers = append(answers, &dns.A{
				Hdr: dns.RR_Header{
					Name:   q.Name,
					Rrtype: dns.TypeA,
					Class:  dns.ClassINET,
					Ttl:    s.ttl,
				},
				A: ip.To4(),
			})
		}
	}

	reply(dns.RcodeSuccess, answers)
	log.Printf("[*] dns query: name=%s type=%s answers=%d elapsed=%s", q.Name, dns.TypeToString[q.Qtype], len(answers), time.Since(start))
}

// splitName extracts the service label from <service>.<topology>.local.
// The topology label must match the currently desired topology.
func splitName(desired *topology.Topology, name string) (string, bool) {
	labels := dns.SplitDomainName(strings.ToLower(name))
	if len(labels) != 3 {
		return "", false
	}
	if labels[2] != "local" || labels[1] != strings.ToLower(desired.Name) {
		return "", false
	}
	return labels[0], true
}
