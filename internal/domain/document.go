// Package domain defines the data model shared by the configuration
// stores: named CIDR networks, the address ranges reserved inside them,
// and the provider networks that consume them.
package domain

// NetworkTypes are the accepted values for ProviderNetwork.Type.
var NetworkTypes = []string{"raw", "vxlan", "geneve", "flat", "vlan"}

// NetworkBlock is a named network declared in CIDR notation, together
// with the address ranges reserved inside it. Blocks are identified by
// name; every used range must lie entirely inside CIDR.
type NetworkBlock struct {
	Name       string
	CIDR       string
	UsedRanges []string // "low" or "low,high", inclusive
}

// ProviderNetwork is the operator-editable view of one provider network
// record. IPFromBlock references a NetworkBlock by name; the reference
// is not an ownership edge and may dangle once the block is deleted.
type ProviderNetwork struct {
	Bridge             string   `yaml:"container_bridge" validate:"required"`
	Type               string   `yaml:"type" validate:"required,oneof=raw vxlan geneve flat vlan"`
	ContainerInterface string   `yaml:"container_interface" validate:"required"`
	HostInterface      string   `yaml:"host_bind_override,omitempty"`
	IPFromBlock        string   `yaml:"ip_from_q" validate:"required"`
	Groups             []string `yaml:"group_binds"`
}
