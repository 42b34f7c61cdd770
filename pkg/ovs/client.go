package ovs

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Client provides an interface to Open vSwitch
type Client struct {
	logger *logrus.Logger
	run    runFunc
}

// NewClient creates a new OVS client
func NewClient() (*Client, error) {
	logger := logrus.New()
	logger.SetLevel(logrus.GetLevel())

	return &Client{
		logger: logger,
		run:    execRun,
	}, nil
}

func (c *Client) vsctl(ctx context.Context, args ...string) (string, error) {
	c.logger.Debugf("Executing: ovs-vsctl %s", strings.Join(args, " "))
	output, err := c.run(ctx, "ovs-vsctl", args...)
	return strings.TrimSpace(string(output)), err
}

// Ping verifies that OVS is accessible
func (c *Client) Ping(ctx context.Context) error {
	output, err := c.vsctl(ctx, "--version")
	if err != nil {
		return fmt.Errorf("ovs-vsctl not accessible: %w (output: %s)", err, output)
	}
	c.logger.Debugf("OVS version: %s", output)
	return nil
}

// ListBridges returns a list of all OVS bridges
func (c *Client) ListBridges(ctx context.Context) ([]string, error) {
	output, err := c.vsctl(ctx, "list-br")
	if err != nil {
		return nil, fmt.Errorf("failed to list bridges: %w (output: %s)", err, output)
	}

	bridges := []string{}
	for _, line := range strings.Split(output, "\n") {
		bridge := strings.TrimSpace(line)
		if bridge != "" {
			bridges = append(bridges, bridge)
		}
	}

	return bridges, nil
}

// EnsureBridge ensures that an OVS bridge exists
func (c *Client) EnsureBridge(ctx context.Context, bridge string) error {
	if _, err := c.vsctl(ctx, "br-exists", bridge); err == nil {
		c.logger.Debugf("Bridge %s already exists", bridge)
		return nil
	}

	c.logger.Infof("Creating OVS bridge %s", bridge)
	if output, err := c.vsctl(ctx, "add-br", bridge); err != nil {
		return fmt.Errorf("failed to create bridge %s: %w (output: %s)", bridge, err, output)
	}

	return nil
}

// Mirror describes a row of the OVS Mirror table
type Mirror struct {
	Name        string
	SelectAll   bool
	SrcPorts    []string // mirror packets received on these ports
	DstPorts    []string // mirror packets sent on these ports
	OutputPort  string   // empty leaves the mirror without a destination
	Snaplen     uint64
	ExternalIDs map[string]string
}

// CreateMirror adds a mirror to bridge. With replace set, a mirror of the
// same name is removed in the same transaction.
func (c *Client) CreateMirror(ctx context.Context, bridge string, m Mirror, replace bool) error {
	args := mirrorArgs(bridge, m, replace)

	output, err := c.vsctl(ctx, args...)
	if err != nil {
		return fmt.Errorf("failed to create mirror %s: %w (output: %s)", m.Name, err, output)
	}

	c.logger.Infof("Created mirror %s on bridge %s", m.Name, bridge)
	return nil
}

func mirrorArgs(bridge string, m Mirror, replace bool) []string {
	var args []string
	if replace {
		args = append(args, "--", "remove", "bridge", bridge, "mirrors", m.Name)
	}

	// Each port is fetched once even when it is both a source and a destination
	refs := map[string]string{}
	var order []string
	ref := func(port string) string {
		if id, ok := refs[port]; ok {
			return id
		}
		id := "@p" + strconv.Itoa(len(order))
		refs[port] = id
		order = append(order, port)
		return id
	}
	refList := func(ports []string) string {
		ids := make([]string, 0, len(ports))
		for _, p := range ports {
			ids = append(ids, ref(p))
		}
		return "[" + strings.Join(ids, ",") + "]"
	}

	create := []string{"--", "--id=@m", "create", "mirror", "name=" + m.Name}
	if m.SelectAll {
		create = append(create, "select_all=true")
	}
	if len(m.SrcPorts) > 0 {
		create = append(create, "select_src_port="+refList(m.SrcPorts))
	}
	if len(m.DstPorts) > 0 {
		create = append(create, "select_dst_port="+refList(m.DstPorts))
	}
	if m.OutputPort != "" {
		create = append(create, "output_port="+ref(m.OutputPort))
	}
	if m.Snaplen > 0 {
		create = append(create, fmt.Sprintf("snaplen=%d", m.Snaplen))
	}
	keys := make([]string, 0, len(m.ExternalIDs))
	for k := range m.ExternalIDs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		create = append(create, fmt.Sprintf("external_ids:%s=%s", k, m.ExternalIDs[k]))
	}
	args = append(args, create...)

	args = append(args, "--", "add", "bridge", bridge, "mirrors", "@m")

	for _, p := range order {
		args = append(args, "--", "--id="+refs[p], "get", "port", p)
	}

	return args
}

// DeleteMirror removes a port mirror
func (c *Client) DeleteMirror(ctx context.Context, bridge, mirrorName string) error {
	// Clearing the bridge reference garbage-collects the mirror row
	output, err := c.vsctl(ctx, "--if-exists", "remove", "bridge", bridge, "mirrors", mirrorName)
	if err != nil {
		return fmt.Errorf("failed to delete mirror %s: %w (output: %s)", mirrorName, err, output)
	}

	c.logger.Infof("Deleted mirror %s", mirrorName)
	return nil
}

// ListMirrors lists all mirrors on a bridge
func (c *Client) ListMirrors(ctx context.Context, bridge string) ([]string, error) {
	output, err := c.vsctl(ctx, "get", "bridge", bridge, "mirrors")
	if err != nil {
		return nil, fmt.Errorf("failed to list mirrors: %w (output: %s)", err, output)
	}

	// Parse output - format is like [uuid1, uuid2] or []
	result := strings.Trim(output, "[]")
	if result == "" {
		return []string{}, nil
	}

	// Get mirror names from UUIDs
	var mirrors []string
	for _, uuid := range strings.Split(result, ",") {
		uuid = strings.TrimSpace(uuid)
		if uuid == "" {
			continue
		}
		name, err := c.vsctl(ctx, "get", "mirror", uuid, "name")
		if err != nil {
			c.logger.Warnf("Failed to resolve mirror %s: %v", uuid, err)
			continue
		}
		mirrors = append(mirrors, strings.Trim(name, "\""))
	}

	return mirrors, nil
}

// MirrorInfo is the stored view of a mirror
type MirrorInfo struct {
	Name        string
	Snaplen     uint64
	ExternalIDs map[string]string
}

// GetMirror reads a mirror by name. It returns nil when no such mirror exists.
func (c *Client) GetMirror(ctx context.Context, name string) (*MirrorInfo, error) {
	output, err := c.vsctl(ctx, "--if-exists", "get", "mirror", name, "external_ids")
	if err != nil {
		return nil, fmt.Errorf("failed to get mirror %s: %w (output: %s)", name, err, output)
	}
	if output == "" {
		return nil, nil
	}

	info := &MirrorInfo{
		Name:        name,
		ExternalIDs: parseMap(output),
	}

	if output, err := c.vsctl(ctx, "get", "mirror", name, "snaplen"); err == nil && output != "[]" {
		if n, err := strconv.ParseUint(output, 10, 64); err == nil {
			info.Snaplen = n
		}
	}

	return info, nil
}

// parseMap decodes an OVSDB map column such as {key1="value1", key2=value2}
func parseMap(s string) map[string]string {
	m := map[string]string{}
	s = strings.Trim(strings.TrimSpace(s), "{}")
	if s == "" {
		return m
	}
	for _, pair := range strings.Split(s, ", ") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 {
			m[strings.Trim(kv[0], "\"")] = strings.Trim(kv[1], "\"")
		}
	}
	return m
}
