package utils

const (
	DefaultStateDir  = "/var/lib/manifold"
	StatusStoreFile  = "status.json"
	DefaultConfig    = "/etc/manifold/topology.yaml"
	DefaultListen    = "127.0.0.1:7765"
	DefaultDnsListen = "127.0.0.1:1053"
)
