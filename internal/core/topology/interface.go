package topology

type TopologyServiceHandler interface {
	LoadFile(path string) (*Topology, error)
	Decode(body []byte) (*Topology, error)
	Diff(oldTopology *Topology, newTopology *Topology) []string
}
