package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/glimte/relaymq/contracts"
)

type (
	topologyFile struct {
		Exchanges []exchangeEntry `yaml:"exchanges"`
		Queues    []queueEntry    `yaml:"queues"`
		Bindings  []bindingEntry  `yaml:"bindings"`
	}

	exchangeEntry struct {
		Name         string         `yaml:"name"`
		Type         string         `yaml:"type"`
		Durable      *bool          `yaml:"durable"`
		AutoDelete   bool           `yaml:"auto_delete"`
		DeliveryMode string         `yaml:"delivery_mode"`
		Arguments    map[string]any `yaml:"arguments"`
	}

	queueEntry struct {
		Name       string         `yaml:"name"`
		Durable    *bool          `yaml:"durable"`
		Exclusive  bool           `yaml:"exclusive"`
		AutoDelete bool           `yaml:"auto_delete"`
		Arguments  map[string]any `yaml:"arguments"`
	}

	bindingEntry struct {
		Queue      string         `yaml:"queue"`
		Exchange   string         `yaml:"exchange"`
		RoutingKey string         `yaml:"routing_key"`
		Arguments  map[string]any `yaml:"arguments"`
		NoWait     bool           `yaml:"no_wait"`
	}
)

// LoadTopology reads exchanges, queues and bindings from a YAML file.
// Exchanges and queues are durable unless the file says otherwise.
func LoadTopology(path string) (contracts.Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return contracts.Topology{}, contracts.NewConfigurationError("load topology", err)
	}
	return ParseTopology(data)
}

// ParseTopology decodes a YAML topology document
func ParseTopology(data []byte) (contracts.Topology, error) {
	var file topologyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return contracts.Topology{}, contracts.NewConfigurationError("parse topology", err)
	}

	var topology contracts.Topology
	var problems []string

	for i, e := range file.Exchanges {
		if e.Name == "" {
			problems = append(problems, fmt.Sprintf("exchange %d: name is required", i))
			continue
		}
		ex := contracts.NewExchange(e.Name, contracts.ExchangeKind(strings.ToLower(e.Type)))
		ex.Durable = boolOr(e.Durable, true)
		ex.AutoDelete = e.AutoDelete
		ex.Arguments = e.Arguments

		switch strings.ToLower(e.DeliveryMode) {
		case "", "persistent", "2":
			ex.DeliveryMode = contracts.Persistent
		case "transient", "1":
			ex.DeliveryMode = contracts.Transient
		default:
			problems = append(problems, fmt.Sprintf("exchange %s: unknown delivery mode %q", e.Name, e.DeliveryMode))
		}

		if err := ex.Validate(); err != nil {
			problems = append(problems, fmt.Sprintf("exchange %s: unknown type %q", e.Name, e.Type))
			continue
		}
		topology.Exchanges = append(topology.Exchanges, ex)
	}

	for i, q := range file.Queues {
		if q.Name == "" {
			problems = append(problems, fmt.Sprintf("queue %d: name is required", i))
			continue
		}
		topology.Queues = append(topology.Queues, contracts.QueueSpec{
			Name:       q.Name,
			Durable:    boolOr(q.Durable, true),
			Exclusive:  q.Exclusive,
			AutoDelete: q.AutoDelete,
			Arguments:  q.Arguments,
		})
	}

	for i, b := range file.Bindings {
		if b.Queue == "" || b.Exchange == "" {
			problems = append(problems, fmt.Sprintf("binding %d: queue and exchange are required", i))
			continue
		}
		topology.Bindings = append(topology.Bindings, contracts.QueueBinding{
			Queue: b.Queue,
			Binding: contracts.Binding{
				Exchange:   b.Exchange,
				RoutingKey: b.RoutingKey,
				Arguments:  b.Arguments,
				NoWait:     b.NoWait,
			},
		})
	}

	if len(problems) > 0 {
		return contracts.Topology{}, contracts.NewConfigurationError("parse topology", errors.New(strings.Join(problems, "; ")))
	}
	return topology, nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
