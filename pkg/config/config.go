// Copyright 2025 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the playout server configuration: defaults, then a
// YAML overlay, then CLI flags generated from the yaml tags.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/neteq/pkg/logger"
	"github.com/livekit/neteq/pkg/neteq"
	"github.com/livekit/neteq/pkg/neteq/codec"
)

const generatedCLIFlagUsage = "generated"

// StatsUpdateInterval paces node-level system stat sampling.
const StatsUpdateInterval = time.Second * 10

// Playout strategies accepted by ingest configuration.
const (
	StrategyJitter = "jitter"
	StrategyDirect = "direct"
)

var (
	ErrInvalidPort     = errors.New("port must be set")
	ErrInvalidStrategy = errors.New("ingest strategy must be jitter or direct")
)

type Config struct {
	// BindAddress and Port locate the HTTP/websocket listener. An empty
	// address binds all interfaces.
	BindAddress string `yaml:"bind_address,omitempty"`
	Port        uint32 `yaml:"port,omitempty"`
	// PrometheusPort serves /metrics on a dedicated listener when set; the
	// main mux always serves it too.
	PrometheusPort uint32 `yaml:"prometheus_port,omitempty"`
	// NodeID labels metrics and stats. Generated at startup when empty.
	NodeID string `yaml:"node_id,omitempty"`

	// Engine is the per-stream jitter buffer configuration; every ingest
	// connection starts from it.
	Engine  neteq.Config  `yaml:"engine,omitempty"`
	Ingest  IngestConfig  `yaml:"ingest,omitempty"`
	Mix     MixConfig     `yaml:"mix,omitempty"`
	Logging logger.Config `yaml:"logging,omitempty"`

	Development bool `yaml:"development,omitempty"`
}

type IngestConfig struct {
	// Strategy selects the playout path for connections that do not pick one
	// themselves: jitter or direct.
	Strategy string `yaml:"strategy,omitempty"`
	// ReportInterval paces RTCP receiver reports back to the sender.
	ReportInterval time.Duration `yaml:"report_interval,omitempty"`
	// MaxMessageBytes caps one websocket message.
	MaxMessageBytes int64 `yaml:"max_message_bytes,omitempty"`
	// PayloadTypes maps RTP payload types to codec names (pcm16, pcmf32,
	// opus, cng). Unmapped payload types decode as raw float32.
	PayloadTypes map[uint8]string `yaml:"payload_types,omitempty"`
}

type MixConfig struct {
	// TickInterval paces the mix loop and sizes its frames.
	TickInterval time.Duration `yaml:"tick_interval,omitempty"`
	// Workers bounds how many streams are polled concurrently per frame.
	Workers int `yaml:"workers,omitempty"`
	// DepartedStatsSize bounds how many disconnected streams keep a final
	// stats snapshot.
	DepartedStatsSize int `yaml:"departed_stats_size,omitempty"`
}

var DefaultConfig = Config{
	Port:   7980,
	Engine: *neteq.DefaultConfig(),
	Ingest: IngestConfig{
		Strategy:        StrategyJitter,
		ReportInterval:  5 * time.Second,
		MaxMessageBytes: 1 << 16,
		PayloadTypes: map[uint8]string{
			13:  codec.NameCNG,
			96:  codec.NamePCM16,
			97:  codec.NamePCMFloat,
			111: codec.NameOpus,
		},
	},
	Mix: MixConfig{
		TickInterval:      10 * time.Millisecond,
		Workers:           4,
		DepartedStatsSize: 64,
	},
	Logging: logger.Config{
		Level: "info",
	},
}

// NewConfig layers the sources: defaults, then the YAML body, then CLI
// flags. strictMode rejects unknown YAML keys.
func NewConfig(confString string, strictMode bool, c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	err = yaml.Unmarshal(marshalled, &conf)
	if err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c, baseFlags); err != nil {
			return nil, err
		}
	}

	if conf.Logging.Level == "" && conf.Development {
		conf.Logging.Level = "debug"
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func (conf *Config) Validate() error {
	if conf.Port == 0 {
		return ErrInvalidPort
	}
	if err := conf.Engine.Validate(); err != nil {
		return errors.Wrap(err, "engine")
	}
	switch conf.Ingest.Strategy {
	case StrategyJitter, StrategyDirect:
	default:
		return errors.Wrap(ErrInvalidStrategy, conf.Ingest.Strategy)
	}
	for pt, name := range conf.Ingest.PayloadTypes {
		if _, err := codec.ByName(name, conf.Engine.SampleRate, conf.Engine.Channels); err != nil {
			return errors.Wrapf(err, "payload type %d", pt)
		}
	}
	return nil
}

// ------------------------------------------------

type configNode struct {
	TypeNode  reflect.Value
	TagPrefix string
}

// ToCLIFlagNames maps dotted yaml paths to the config fields they set,
// skipping paths already covered by explicit flags.
func (conf *Config) ToCLIFlagNames(existingFlags []cli.Flag) map[string]reflect.Value {
	existingFlagNames := map[string]bool{}
	for _, flag := range existingFlags {
		for _, flagName := range flag.Names() {
			existingFlagNames[flagName] = true
		}
	}

	flagNames := map[string]reflect.Value{}
	var currNode configNode
	nodes := []configNode{{reflect.ValueOf(conf).Elem(), ""}}
	for len(nodes) > 0 {
		currNode, nodes = nodes[0], nodes[1:]
		for i := 0; i < currNode.TypeNode.NumField(); i++ {
			// inspect yaml tag from struct field to get path
			field := currNode.TypeNode.Type().Field(i)
			yamlTagArray := strings.SplitN(field.Tag.Get("yaml"), ",", 2)
			yamlTag := yamlTagArray[0]
			isInline := false
			if len(yamlTagArray) > 1 && yamlTagArray[1] == "inline" {
				isInline = true
			}
			if (yamlTag == "" && (!isInline || currNode.TagPrefix == "")) || yamlTag == "-" {
				continue
			}
			yamlPath := yamlTag
			if currNode.TagPrefix != "" {
				if isInline {
					yamlPath = currNode.TagPrefix
				} else {
					yamlPath = fmt.Sprintf("%s.%s", currNode.TagPrefix, yamlTag)
				}
			}
			if existingFlagNames[yamlPath] {
				continue
			}

			// map flag name to value
			value := currNode.TypeNode.Field(i)
			if value.Kind() == reflect.Struct {
				nodes = append(nodes, configNode{value, yamlPath})
			} else {
				flagNames[yamlPath] = value
			}
		}
	}

	return flagNames
}

// GenerateCLIFlags builds hidden flags for every YAML-addressable scalar so
// any config key can be set from the command line or a NETEQ_ env var.
func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	blankConfig := &Config{}
	flags := make([]cli.Flag, 0)
	for name, value := range blankConfig.ToCLIFlagNames(existingFlags) {
		kind := value.Kind()
		if kind == reflect.Ptr {
			kind = value.Type().Elem().Kind()
		}

		var flag cli.Flag
		envVar := fmt.Sprintf("NETEQ_%s", strings.ToUpper(strings.Replace(name, ".", "_", -1)))

		switch kind {
		case reflect.Bool:
			flag = &cli.BoolFlag{
				Name:   name,
				Usage:  generatedCLIFlagUsage,
				Hidden: hidden,
			}
		case reflect.String:
			flag = &cli.StringFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int, reflect.Int32:
			flag = &cli.IntFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int64:
			// time.Duration parses from its string form
			if value.Type() == reflect.TypeOf(time.Duration(0)) {
				flag = &cli.DurationFlag{
					Name:    name,
					EnvVars: []string{envVar},
					Usage:   generatedCLIFlagUsage,
					Hidden:  hidden,
				}
			} else {
				flag = &cli.Int64Flag{
					Name:    name,
					EnvVars: []string{envVar},
					Usage:   generatedCLIFlagUsage,
					Hidden:  hidden,
				}
			}
		case reflect.Uint8, reflect.Uint16, reflect.Uint32:
			flag = &cli.UintFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint64:
			flag = &cli.Uint64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Float32, reflect.Float64:
			flag = &cli.Float64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Slice, reflect.Map:
			continue
		default:
			return flags, fmt.Errorf("cli flag generation unsupported for config type: %s is a %s", name, kind.String())
		}

		flags = append(flags, flag)
	}

	return flags, nil
}

func (conf *Config) updateFromCLI(c *cli.Context, baseFlags []cli.Flag) error {
	generatedFlagNames := conf.ToCLIFlagNames(baseFlags)
	for _, flag := range c.App.Flags {
		flagName := flag.Names()[0]

		if !c.IsSet(flagName) {
			continue
		}

		configValue, ok := generatedFlagNames[flagName]
		if !ok {
			continue
		}

		kind := configValue.Kind()
		if kind == reflect.Ptr {
			// instantiate value to be set
			configValue.Set(reflect.New(configValue.Type().Elem()))

			kind = configValue.Type().Elem().Kind()
			configValue = configValue.Elem()
		}

		switch kind {
		case reflect.Bool:
			configValue.SetBool(c.Bool(flagName))
		case reflect.String:
			configValue.SetString(c.String(flagName))
		case reflect.Int, reflect.Int32:
			configValue.SetInt(c.Int64(flagName))
		case reflect.Int64:
			if configValue.Type() == reflect.TypeOf(time.Duration(0)) {
				configValue.SetInt(int64(c.Duration(flagName)))
			} else {
				configValue.SetInt(c.Int64(flagName))
			}
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			configValue.SetUint(c.Uint64(flagName))
		case reflect.Float32, reflect.Float64:
			configValue.SetFloat(c.Float64(flagName))
		default:
			return fmt.Errorf("unsupported generated cli flag type for config: %s is a %s", flagName, kind.String())
		}
	}

	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	if c.IsSet("bind") {
		conf.BindAddress = c.String("bind")
	}
	if c.IsSet("node-id") {
		conf.NodeID = c.String("node-id")
	}
	return nil
}

// ------------------------------------------------

func InitLoggerFromConfig(conf *Config) {
	logger.InitFromConfig(conf.Logging)
}
