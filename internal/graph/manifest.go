package graph

import (
	"fmt"
	"os"
	"time"

	"github.com/streamcore/engine/internal/ids"
	"gopkg.in/yaml.v3"
)

// Manifest is the YAML document streamctl submits and cmd/jobmanager
// reads to build a StreamGraph: a flat list of operator nodes plus the
// edges wiring them together, with the job's checkpointing settings
// alongside. It deliberately mirrors the Kind/Metadata/Spec shape used
// elsewhere for submitted resources.
type Manifest struct {
	APIVersion string         `yaml:"apiVersion"`
	Kind       string         `yaml:"kind"`
	Metadata   ManifestMeta   `yaml:"metadata"`
	Spec       ManifestSpec   `yaml:"spec"`
}

type ManifestMeta struct {
	Name string `yaml:"name"`
}

type ManifestSpec struct {
	ChainingEnabled bool                 `yaml:"chainingEnabled"`
	Checkpointing   ManifestCheckpoint   `yaml:"checkpointing"`
	Nodes           []ManifestNode       `yaml:"nodes"`
	Edges           []ManifestEdge       `yaml:"edges"`
}

type ManifestCheckpoint struct {
	Interval                   time.Duration `yaml:"interval"`
	Timeout                    time.Duration `yaml:"timeout"`
	MinPauseBetweenCheckpoints time.Duration `yaml:"minPauseBetweenCheckpoints"`
	MaxConcurrentCheckpoints   int           `yaml:"maxConcurrentCheckpoints"`
	TolerableFailures          int           `yaml:"tolerableFailures"`
	ExactlyOnce                bool          `yaml:"exactlyOnce"`
	UnalignedEnabled           bool          `yaml:"unalignedEnabled"`
}

// ManifestNode is one operator position. ID must be unique within the
// manifest; it becomes the node's JobVertexId.
type ManifestNode struct {
	ID               string `yaml:"id"`
	Name             string `yaml:"name"`
	InvokableClass   string `yaml:"class"`
	Parallelism      int    `yaml:"parallelism"`
	SlotSharingGroup string `yaml:"slotSharingGroup"`
	CoLocationID     string `yaml:"coLocationId"`
	Chaining         string `yaml:"chaining"`
}

// ManifestEdge connects two node IDs declared under spec.nodes.
type ManifestEdge struct {
	From        string `yaml:"from"`
	To          string `yaml:"to"`
	Partitioner string `yaml:"partitioner"`
	Shuffle     string `yaml:"shuffle"`
}

// LoadManifest reads and parses a job manifest from path. It does not
// build a StreamGraph by itself; call BuildStreamGraph on the result.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Kind != "" && m.Kind != "StreamJob" {
		return nil, fmt.Errorf("unsupported manifest kind %q", m.Kind)
	}
	return &m, nil
}

// BuildStreamGraph compiles the manifest's flat node/edge lists into a
// StreamGraph with real *StreamNode in/out edge pointers.
func (m *Manifest) BuildStreamGraph() (*StreamGraph, error) {
	nodes := make(map[string]*StreamNode, len(m.Spec.Nodes))
	for _, n := range m.Spec.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("manifest node missing id")
		}
		if _, exists := nodes[n.ID]; exists {
			return nil, fmt.Errorf("duplicate manifest node id %q", n.ID)
		}
		parallelism := n.Parallelism
		if parallelism <= 0 {
			parallelism = 1
		}
		nodes[n.ID] = &StreamNode{
			ID:               ids.JobVertexId(n.ID),
			Name:             n.Name,
			InvokableClass:   n.InvokableClass,
			Parallelism:      parallelism,
			SlotSharingGroup: n.SlotSharingGroup,
			CoLocationID:     n.CoLocationID,
			Chaining:         chainingFromString(n.Chaining),
		}
	}

	sg := &StreamGraph{ChainingEnabled: m.Spec.ChainingEnabled}
	for _, e := range m.Spec.Edges {
		from, ok := nodes[e.From]
		if !ok {
			return nil, fmt.Errorf("edge references unknown node %q", e.From)
		}
		to, ok := nodes[e.To]
		if !ok {
			return nil, fmt.Errorf("edge references unknown node %q", e.To)
		}
		edge := &StreamEdge{
			From:        from,
			To:          to,
			Partitioner: partitionerFromString(e.Partitioner),
			Shuffle:     shuffleFromString(e.Shuffle),
		}
		from.OutEdges = append(from.OutEdges, edge)
		to.InEdges = append(to.InEdges, edge)
	}

	for _, n := range m.Spec.Nodes {
		sg.Nodes = append(sg.Nodes, nodes[n.ID])
	}
	sg.Checkpointing = CheckpointConfig{
		Interval:                   m.Spec.Checkpointing.Interval,
		Timeout:                    m.Spec.Checkpointing.Timeout,
		MinPauseBetweenCheckpoints: m.Spec.Checkpointing.MinPauseBetweenCheckpoints,
		MaxConcurrentCheckpoints:   m.Spec.Checkpointing.MaxConcurrentCheckpoints,
		TolerableFailures:          m.Spec.Checkpointing.TolerableFailures,
		ExactlyOnce:                m.Spec.Checkpointing.ExactlyOnce,
		UnalignedEnabled:           m.Spec.Checkpointing.UnalignedEnabled,
	}
	return sg, nil
}

func chainingFromString(s string) ChainingStrategy {
	switch s {
	case "head":
		return ChainHead
	case "never":
		return ChainNever
	default:
		return ChainAlways
	}
}

func partitionerFromString(s string) PartitionerKind {
	switch s {
	case "rescale":
		return PartitionRescale
	case "hash":
		return PartitionHash
	case "broadcast":
		return PartitionBroadcast
	case "rebalance":
		return PartitionRebalance
	case "custom":
		return PartitionCustom
	default:
		return PartitionForward
	}
}

func shuffleFromString(s string) ShuffleMode {
	if s == "batch" {
		return ShuffleBatch
	}
	return ShufflePipelined
}
