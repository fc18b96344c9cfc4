package util

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

/*
	Config Files re-stated here to avoid circular dependency
		warpgraph/job imports warpgraph/util
		(IF IMPORT) then warpgraph/util imports warpgraph/job
*/

type PeerConfig struct {
	Rank       uint32 `json:"Rank" yaml:"rank"`
	ListenAddr string `json:"ListenAddr" yaml:"listenAddr"` // gRPC worker service
	FCheckAddr string `json:"FCheckAddr" yaml:"fcheckAddr"` // UDP heartbeat responder
	AdminAddr  string `json:"AdminAddr" yaml:"adminAddr"`   // HTTP admin, optional
}

type SourceConfig struct {
	Kind string `json:"Kind" yaml:"kind"` // file, dynamodb, sql, mongodb

	// sql
	Driver string `json:"Driver" yaml:"driver"`
	DSN    string `json:"DSN" yaml:"dsn"`
	Table  string `json:"Table" yaml:"table"`

	// dynamodb
	Region          string `json:"Region" yaml:"region"`
	Endpoint        string `json:"Endpoint" yaml:"endpoint"`
	AccessKeyID     string `json:"AccessKeyID" yaml:"accessKeyID"`
	SecretAccessKey string `json:"SecretAccessKey" yaml:"secretAccessKey"`

	// mongodb
	URI        string `json:"URI" yaml:"uri"`
	Database   string `json:"Database" yaml:"database"`
	Collection string `json:"Collection" yaml:"collection"`
}

type JobConfig struct {
	App        string `json:"App" yaml:"app"`
	Graph      string `json:"Graph" yaml:"graph"`
	Format     string `json:"Format" yaml:"format"`
	Iterations uint64 `json:"Iterations" yaml:"iterations"`
	SavePrefix string `json:"SavePrefix" yaml:"savePrefix"`
	Gzip       bool   `json:"Gzip" yaml:"gzip"`
	Threads    int    `json:"Threads" yaml:"threads"`
	Summaries  string `json:"Summaries" yaml:"summaries"`
	SourceID   uint64 `json:"SourceID" yaml:"sourceID"` // shortest paths origin

	Checkpoint      string `json:"Checkpoint" yaml:"checkpoint"`
	CheckpointEvery string `json:"CheckpointEvery" yaml:"checkpointEvery"`
	Restore         bool   `json:"Restore" yaml:"restore"`

	Source SourceConfig `json:"Source" yaml:"source"`
}

// Timeouts are durations such as "90s". StartupTimeout is how long a
// worker keeps trying to reach rank 0; BarrierTimeout is how long rank 0
// waits for every worker to arrive at a barrier.
type Timeouts struct {
	StartupTimeout string `json:"StartupTimeout" yaml:"startupTimeout"`
	BarrierTimeout string `json:"BarrierTimeout" yaml:"barrierTimeout"`
}

// Parse returns zero for unset fields.
func (t Timeouts) Parse() (startup, barrier time.Duration, err error) {
	parse := func(name, v string) (time.Duration, error) {
		if v == "" {
			return 0, nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, errors.Wrapf(err, "util: %s", name)
		}
		if d < 0 {
			return 0, errors.Errorf("util: %s must not be negative, got %s", name, v)
		}
		return d, nil
	}
	if startup, err = parse("StartupTimeout", t.StartupTimeout); err != nil {
		return 0, 0, err
	}
	barrier, err = parse("BarrierTimeout", t.BarrierTimeout)
	return startup, barrier, err
}

type WorkerConfig struct {
	Timeouts `yaml:",inline"`

	Rank           uint32       `json:"Rank" yaml:"rank"`
	Peers          []PeerConfig `json:"Peers" yaml:"peers"`
	LostMsgsThresh uint8        `json:"LostMsgsThresh" yaml:"lostMsgsThresh"`
	Job            JobConfig    `json:"Job" yaml:"job"`
	Log            LogConfig    `json:"Log" yaml:"log"`
}

type ClusterConfig struct {
	Timeouts `yaml:",inline"`

	Peers          []PeerConfig `json:"Peers" yaml:"peers"`
	LostMsgsThresh uint8        `json:"LostMsgsThresh" yaml:"lostMsgsThresh"`
	Job            JobConfig    `json:"Job" yaml:"job"`
	Log            LogConfig    `json:"Log" yaml:"log"`
}

// Validate checks that peers are numbered 0..n-1 in order.
func (c ClusterConfig) Validate() error {
	if len(c.Peers) == 0 {
		return errors.New("util: cluster config has no peers")
	}
	for i, p := range c.Peers {
		if p.Rank != uint32(i) {
			return errors.Errorf("util: peer %d has rank %d, want %d", i, p.Rank, i)
		}
		if p.ListenAddr == "" {
			return errors.Errorf("util: peer %d has no ListenAddr", i)
		}
	}
	return nil
}

// Addrs returns the gRPC listen address of every peer indexed by rank.
func (c ClusterConfig) Addrs() []string {
	addrs := make([]string, len(c.Peers))
	for i, p := range c.Peers {
		addrs[i] = p.ListenAddr
	}
	return addrs
}

// SplitClusterConfig derives one WorkerConfig per peer so every worker can
// be started from its own file.
func SplitClusterConfig(c ClusterConfig) ([]WorkerConfig, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	workers := make([]WorkerConfig, len(c.Peers))
	for i := range c.Peers {
		log := c.Log
		if log.File != "" {
			log.File = fmt.Sprintf("%s.%d", log.File, i)
		}
		workers[i] = WorkerConfig{
			Rank:           uint32(i),
			Peers:          append([]PeerConfig(nil), c.Peers...),
			LostMsgsThresh: c.LostMsgsThresh,
			Timeouts:       c.Timeouts,
			Job:            c.Job,
			Log:            log,
		}
	}
	return workers, nil
}

// WriteWorkerConfigs writes worker<rank>_config.json files into dir.
func WriteWorkerConfigs(dir string, workers []WorkerConfig) ([]string, error) {
	var written []string
	for _, w := range workers {
		path := filepath.Join(dir, WorkerConfigName(w.Rank))
		if err := WriteJSONConfig(path, w); err != nil {
			return written, errors.Wrapf(err, "util: write %s", path)
		}
		written = append(written, path)
	}
	return written, nil
}

func WorkerConfigName(rank uint32) string {
	return fmt.Sprintf("worker%d_config.json", rank)
}

// AssignPorts gives every peer consecutive ports on host starting at base:
// gRPC, heartbeat, then admin.
func AssignPorts(c *ClusterConfig, host string, base int) {
	for i := range c.Peers {
		p := &c.Peers[i]
		port := base + 3*i
		p.Rank = uint32(i)
		p.ListenAddr = net.JoinHostPort(host, strconv.Itoa(port))
		p.FCheckAddr = net.JoinHostPort(host, strconv.Itoa(port+1))
		p.AdminAddr = net.JoinHostPort(host, strconv.Itoa(port+2))
	}
}
