// Package netconf loads, reconciles, and persists the network topology
// document (openstack_user_config.yml).
//
// The document declares named networks as a cidr_networks mapping,
// reserved address ranges as a flat used_ips list, and provider
// networks under global_overrides. On load each flat range is grouped
// under the first declared network whose CIDR contains its low
// endpoint; on save the flat list is rebuilt from those groups and the
// block mapping is written once, anchored, with global_overrides
// aliasing it so the two locations can never fork.
package netconf

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"stackwizard/internal/addrspace"
	"stackwizard/internal/changes"
	"stackwizard/internal/domain"
)

// UserConfigFile is the document filename inside the deploy directory.
const UserConfigFile = "openstack_user_config.yml"

const (
	keyCIDRNetworks     = "cidr_networks"
	keyUsedIPs          = "used_ips"
	keyGlobalOverrides  = "global_overrides"
	keyProviderNetworks = "provider_networks"

	networkKey = "network"
)

// providerFieldLabels maps struct fields to the labels surfaced in
// validation messages.
var providerFieldLabels = map[string]string{
	"Bridge":             "Bridge",
	"Type":               "Type",
	"ContainerInterface": "Container Interface",
	"IPFromBlock":        "IP From Network",
}

// usedIPsOrder compares the flat range list order-insensitively: the
// on-disk order is not meaningful and save regroups ranges by owning
// block anyway.
var usedIPsOrder = changes.SortedStringList(keyUsedIPs)

type blockState struct {
	name    string
	cidr    string
	network netip.Prefix
	parsed  bool // false when cidr failed to parse; excluded from range matching
	ranges  []string
}

// Reconciler edits one network topology document. It is not safe for
// concurrent use; the owning session serializes access.
type Reconciler struct {
	path     string
	log      *log.Logger
	validate *validator.Validate

	loaded       bool
	baseline     map[string]any // deep snapshot of the raw document at load
	blocks       []*blockState  // declared document order
	providerNets []map[string]any
	orphans      []string
}

// New returns a Reconciler for the document at path. A nil logger uses
// the default logger.
func New(path string, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.Default()
	}
	return &Reconciler{
		path:     path,
		log:      logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Path returns the document location.
func (r *Reconciler) Path() string { return r.path }

// Loaded reports whether a document has been loaded.
func (r *Reconciler) Loaded() bool { return r.loaded }

// Load parses the document and rebuilds the in-memory model: blocks in
// declared order, each flat range grouped under the first block whose
// network contains its low endpoint, and the raw document snapshotted
// as the change-detection baseline.
//
// A block whose CIDR does not parse stays visible with an empty range
// list but takes part in no containment checks. A range that parses
// but matches no block is orphaned: it is kept out of every block's
// view and will not survive the next save.
func (r *Reconciler) Load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return &domain.IOFailure{Op: "read", Path: r.path, Err: err}
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return &domain.IOFailure{Op: "parse", Path: r.path, Err: err}
	}
	doc := documentMapping(&root)

	raw := map[string]any{}
	if doc != nil {
		if err := doc.Decode(&raw); err != nil {
			return &domain.IOFailure{Op: "parse", Path: r.path, Err: err}
		}
	}

	// Blocks must keep the document's declaration order, so they are
	// read from the node tree rather than the decoded map.
	var blocks []*blockState
	if cidrs := mappingValue(doc, keyCIDRNetworks); cidrs != nil && cidrs.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(cidrs.Content); i += 2 {
			b := &blockState{
				name: cidrs.Content[i].Value,
				cidr: cidrs.Content[i+1].Value,
			}
			network, err := addrspace.ParseNetwork(b.cidr)
			if err != nil {
				r.log.Warn("network has an invalid CIDR and is excluded from range matching",
					"network", b.name, "cidr", b.cidr)
			} else {
				b.network = network
				b.parsed = true
			}
			blocks = append(blocks, b)
		}
	}

	var orphans []string
	for _, item := range stringItems(raw[keyUsedIPs]) {
		low, _, err := addrspace.ParseRange(item)
		if err != nil {
			r.log.Warn("used range does not parse and will be dropped on save", "range", item)
			orphans = append(orphans, item)
			continue
		}
		owner := findOwner(blocks, low)
		if owner == nil {
			r.log.Warn("used range belongs to no declared network and will be dropped on save", "range", item)
			orphans = append(orphans, item)
			continue
		}
		owner.ranges = append(owner.ranges, item)
	}

	var providerNets []map[string]any
	if overrides, ok := raw[keyGlobalOverrides].(map[string]any); ok {
		for _, item := range anyList(overrides[keyProviderNetworks]) {
			if record, ok := item.(map[string]any); ok {
				// Copied so mutations never reach into the baseline.
				providerNets = append(providerNets, changes.Clone(record).(map[string]any))
			}
		}
	}

	r.baseline = raw
	r.blocks = blocks
	r.providerNets = providerNets
	r.orphans = orphans
	r.loaded = true
	return nil
}

func findOwner(blocks []*blockState, addr netip.Addr) *blockState {
	for _, b := range blocks {
		if b.parsed && addrspace.Contains(b.network, addr) {
			return b
		}
	}
	return nil
}

func (r *Reconciler) findBlock(name string) *blockState {
	for _, b := range r.blocks {
		if b.name == name {
			return b
		}
	}
	return nil
}

// Blocks returns the blocks in declared order.
func (r *Reconciler) Blocks() []domain.NetworkBlock {
	out := make([]domain.NetworkBlock, 0, len(r.blocks))
	for _, b := range r.blocks {
		out = append(out, domain.NetworkBlock{
			Name:       b.name,
			CIDR:       b.cidr,
			UsedRanges: slices.Clone(b.ranges),
		})
	}
	return out
}

// BlockNames returns the block names in declared order, for reference
// selectors.
func (r *Reconciler) BlockNames() []string {
	out := make([]string, 0, len(r.blocks))
	for _, b := range r.blocks {
		out = append(out, b.name)
	}
	return out
}

// InvalidBlocks returns the blocks whose CIDR failed to parse at load.
func (r *Reconciler) InvalidBlocks() []domain.NetworkBlock {
	var out []domain.NetworkBlock
	for _, b := range r.blocks {
		if !b.parsed {
			out = append(out, domain.NetworkBlock{Name: b.name, CIDR: b.cidr})
		}
	}
	return out
}

// Orphaned returns the raw range strings that matched no declared
// network at load time. They are absent from every block's view and
// will not be written back by Save.
func (r *Reconciler) Orphaned() []string {
	return slices.Clone(r.orphans)
}

// OverlappingRanges reports, per block, ranges that share addresses
// with an earlier range in the same block. Diagnostic only.
func (r *Reconciler) OverlappingRanges() map[string][]string {
	out := map[string][]string{}
	for _, b := range r.blocks {
		type span struct{ low, high netip.Addr }
		var seen []span
		for _, item := range b.ranges {
			low, high, err := addrspace.ParseRange(item)
			if err != nil {
				continue
			}
			for _, s := range seen {
				if addrspace.Overlaps(low, high, s.low, s.high) {
					out[b.name] = append(out[b.name], item)
					break
				}
			}
			seen = append(seen, span{low, high})
		}
	}
	return out
}

// AddBlock validates and appends a new block. The name must be unique.
func (r *Reconciler) AddBlock(b domain.NetworkBlock) error {
	state, err := r.validateBlock(b)
	if err != nil {
		return err
	}
	if r.findBlock(state.name) != nil {
		return &domain.ValidationError{Field: "Network Name", Message: fmt.Sprintf("network %q already exists", state.name)}
	}
	r.blocks = append(r.blocks, state)
	return nil
}

// EditBlock validates and replaces the block called name in place,
// which also covers renames.
func (r *Reconciler) EditBlock(name string, b domain.NetworkBlock) error {
	existing := r.findBlock(name)
	if existing == nil {
		return &domain.NotFoundError{Kind: "network", Name: name}
	}
	state, err := r.validateBlock(b)
	if err != nil {
		return err
	}
	if state.name != name && r.findBlock(state.name) != nil {
		return &domain.ValidationError{Field: "Network Name", Message: fmt.Sprintf("network %q already exists", state.name)}
	}
	*existing = *state
	return nil
}

// DeleteBlock removes the named block together with its grouped
// ranges. Provider networks referencing it are left alone; their
// reference dangles until re-edited.
func (r *Reconciler) DeleteBlock(name string) error {
	for i, b := range r.blocks {
		if b.name == name {
			r.blocks = slices.Delete(r.blocks, i, i+1)
			return nil
		}
	}
	return &domain.NotFoundError{Kind: "network", Name: name}
}

// validateBlock checks a block form and returns its internal state.
// The whole edit is rejected when any supplied range fails to parse or
// falls outside the new CIDR.
func (r *Reconciler) validateBlock(b domain.NetworkBlock) (*blockState, error) {
	name := strings.TrimSpace(b.Name)
	cidr := strings.TrimSpace(b.CIDR)
	if name == "" {
		return nil, &domain.ValidationError{Field: "Network Name", Message: "cannot be empty"}
	}
	if cidr == "" {
		return nil, &domain.ValidationError{Field: "CIDR Value", Message: "cannot be empty"}
	}
	if !strings.Contains(cidr, "/") {
		return nil, &domain.ValidationError{Field: "CIDR Value", Message: "must include a netmask (e.g. /24)"}
	}
	network, err := addrspace.ParseNetwork(cidr)
	if err != nil {
		return nil, &domain.ValidationError{Field: "CIDR Value", Message: fmt.Sprintf("%q is not a valid network CIDR", cidr)}
	}

	ranges := make([]string, 0, len(b.UsedRanges))
	for _, item := range b.UsedRanges {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		low, high, err := addrspace.ParseRange(item)
		if err != nil {
			return nil, &domain.ValidationError{Field: "Used IPs", Message: fmt.Sprintf("invalid IP address in range %q", item)}
		}
		if !addrspace.RangeWithin(network, low, high) {
			return nil, &domain.ValidationError{Field: "Used IPs", Message: fmt.Sprintf("IP range %q is outside the %q CIDR", item, cidr)}
		}
		ranges = append(ranges, item)
	}

	return &blockState{name: name, cidr: cidr, network: network, parsed: true, ranges: ranges}, nil
}

// ProviderNetworks returns the editable view of every provider network
// record, in document order.
func (r *Reconciler) ProviderNetworks() []domain.ProviderNetwork {
	out := make([]domain.ProviderNetwork, 0, len(r.providerNets))
	for _, record := range r.providerNets {
		out = append(out, providerView(record))
	}
	return out
}

// ProviderNetworkForm returns the record at index prepared for
// editing: a stored block reference that no longer resolves is
// presented as unselected rather than failing.
func (r *Reconciler) ProviderNetworkForm(index int) (domain.ProviderNetwork, error) {
	if index < 0 || index >= len(r.providerNets) {
		return domain.ProviderNetwork{}, &domain.NotFoundError{Kind: "provider network", Name: strconv.Itoa(index)}
	}
	form := providerView(r.providerNets[index])
	if r.findBlock(form.IPFromBlock) == nil {
		form.IPFromBlock = ""
	}
	return form, nil
}

// AddProviderNetwork validates and appends a new provider network.
func (r *Reconciler) AddProviderNetwork(form domain.ProviderNetwork) error {
	if err := r.validateProviderNetwork(form); err != nil {
		return err
	}
	record := map[string]any{networkKey: map[string]any{}}
	applyProviderForm(record, form)
	r.providerNets = append(r.providerNets, record)
	return nil
}

// EditProviderNetwork validates and updates the record at index. Keys
// the editor does not manage are preserved.
func (r *Reconciler) EditProviderNetwork(index int, form domain.ProviderNetwork) error {
	if index < 0 || index >= len(r.providerNets) {
		return &domain.NotFoundError{Kind: "provider network", Name: strconv.Itoa(index)}
	}
	if err := r.validateProviderNetwork(form); err != nil {
		return err
	}
	record := changes.Clone(r.providerNets[index]).(map[string]any)
	applyProviderForm(record, form)
	r.providerNets[index] = record
	return nil
}

// DeleteProviderNetwork removes the record at index.
func (r *Reconciler) DeleteProviderNetwork(index int) error {
	if index < 0 || index >= len(r.providerNets) {
		return &domain.NotFoundError{Kind: "provider network", Name: strconv.Itoa(index)}
	}
	r.providerNets = slices.Delete(r.providerNets, index, index+1)
	return nil
}

func providerView(record map[string]any) domain.ProviderNetwork {
	net, _ := record[networkKey].(map[string]any)
	return domain.ProviderNetwork{
		Bridge:             stringValue(net["container_bridge"]),
		Type:               stringValue(net["type"]),
		ContainerInterface: stringValue(net["container_interface"]),
		HostInterface:      stringValue(net["host_bind_override"]),
		IPFromBlock:        stringValue(net["ip_from_q"]),
		Groups:             stringItems(net["group_binds"]),
	}
}

// applyProviderForm writes the managed fields into the record's network
// mapping. A cleared host interface is nulled only when the key was
// already present.
func applyProviderForm(record map[string]any, form domain.ProviderNetwork) {
	net, _ := record[networkKey].(map[string]any)
	if net == nil {
		net = map[string]any{}
		record[networkKey] = net
	}
	net["container_bridge"] = form.Bridge
	net["type"] = form.Type
	net["container_interface"] = form.ContainerInterface
	net["ip_from_q"] = form.IPFromBlock
	groups := make([]any, 0, len(form.Groups))
	for _, g := range form.Groups {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	net["group_binds"] = groups
	if form.HostInterface != "" {
		net["host_bind_override"] = form.HostInterface
	} else if _, ok := net["host_bind_override"]; ok {
		net["host_bind_override"] = nil
	}
}

func (r *Reconciler) validateProviderNetwork(form domain.ProviderNetwork) error {
	if err := r.validate.Struct(form); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		var missing []string
		for _, fe := range fieldErrs {
			label := providerFieldLabels[fe.Field()]
			if label == "" {
				label = fe.Field()
			}
			if fe.Tag() == "oneof" {
				return &domain.ValidationError{Field: label,
					Message: fmt.Sprintf("must be one of %s", strings.Join(domain.NetworkTypes, ", "))}
			}
			missing = append(missing, label)
		}
		return &domain.ValidationError{Field: strings.Join(missing, ", "), Message: "required fields cannot be empty"}
	}
	if r.findBlock(form.IPFromBlock) == nil {
		return &domain.ValidationError{Field: "IP From Network",
			Message: fmt.Sprintf("network %q does not exist", form.IPFromBlock)}
	}
	return nil
}

// HasUnsavedChanges reports drift between the in-memory model and the
// baseline taken at the last load.
func (r *Reconciler) HasUnsavedChanges() bool {
	if !r.loaded {
		return false
	}
	return changes.HasChanges(r.baseline, r.composeCurrent(), usedIPsOrder)
}

// composeCurrent projects the in-memory model back onto a copy of the
// baseline document: only the managed keys are replaced, so the
// comparison never trips over fields the editor does not model. The
// block mapping is written at both of its locations; a document whose
// nested copy forked from the top-level one (no alias) therefore
// registers as drift, and the next save unifies the two.
func (r *Reconciler) composeCurrent() map[string]any {
	doc := changes.Snapshot(r.baseline)

	cidrs := make(map[string]any, len(r.blocks))
	used := make([]any, 0)
	for _, b := range r.blocks {
		cidrs[b.name] = b.cidr
		for _, item := range b.ranges {
			used = append(used, item)
		}
	}
	doc[keyCIDRNetworks] = cidrs
	doc[keyUsedIPs] = used

	overrides, _ := doc[keyGlobalOverrides].(map[string]any)
	if overrides == nil {
		overrides = map[string]any{}
		doc[keyGlobalOverrides] = overrides
	}
	overrides[keyCIDRNetworks] = changes.Clone(cidrs)
	nets := make([]any, 0, len(r.providerNets))
	for _, record := range r.providerNets {
		nets = append(nets, changes.Clone(record))
	}
	overrides[keyProviderNetworks] = nets
	return doc
}

// Save rebuilds the managed keys inside the on-disk document and writes
// it back atomically, then reloads so the baseline reflects exactly
// what landed on disk.
//
// The document is re-read first so keys the editor does not model are
// preserved verbatim. The flat used_ips list is rebuilt by
// concatenating each block's ranges in declared order; the block
// mapping is emitted once with a named anchor and aliased under
// global_overrides. Returns domain.ErrNoChanges when nothing drifted.
func (r *Reconciler) Save() error {
	if !r.HasUnsavedChanges() {
		return domain.ErrNoChanges
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		return &domain.IOFailure{Op: "read", Path: r.path, Err: err}
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return &domain.IOFailure{Op: "parse", Path: r.path, Err: err}
	}
	doc := documentMapping(&root)
	if doc == nil {
		doc = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	}

	cidrNode := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map", Anchor: keyCIDRNetworks}
	usedNode := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, b := range r.blocks {
		cidrNode.Content = append(cidrNode.Content, scalarNode(b.name), scalarNode(b.cidr))
		for _, item := range b.ranges {
			usedNode.Content = append(usedNode.Content, scalarNode(item))
		}
	}
	setMappingValue(doc, keyCIDRNetworks, cidrNode)
	setMappingValue(doc, keyUsedIPs, usedNode)

	overrides := mappingValue(doc, keyGlobalOverrides)
	if overrides == nil || overrides.Kind != yaml.MappingNode {
		overrides = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		setMappingValue(doc, keyGlobalOverrides, overrides)
	}
	setMappingValue(overrides, keyCIDRNetworks, &yaml.Node{
		Kind:  yaml.AliasNode,
		Value: keyCIDRNetworks,
		Alias: cidrNode,
	})

	netsNode := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, record := range r.providerNets {
		item := &yaml.Node{}
		if err := item.Encode(record); err != nil {
			return &domain.IOFailure{Op: "write", Path: r.path, Err: err}
		}
		netsNode.Content = append(netsNode.Content, item)
	}
	setMappingValue(overrides, keyProviderNetworks, netsNode)

	// The anchor must be defined before global_overrides aliases it.
	moveKeyBefore(doc, keyCIDRNetworks, keyGlobalOverrides)

	if err := r.writeDocument(doc); err != nil {
		return err
	}
	return r.Load()
}

// writeDocument serializes into a temp file beside the document and
// renames it into place, so a failed save leaves no partial write.
func (r *Reconciler) writeDocument(doc *yaml.Node) error {
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".userconfig-*.yml")
	if err != nil {
		return &domain.IOFailure{Op: "write", Path: r.path, Err: err}
	}

	enc := yaml.NewEncoder(tmp)
	enc.SetIndent(2)
	err = enc.Encode(doc)
	if cerr := enc.Close(); err == nil {
		err = cerr
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), r.path)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return &domain.IOFailure{Op: "write", Path: r.path, Err: err}
	}
	return nil
}
