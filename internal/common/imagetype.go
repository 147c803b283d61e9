package common

// TypeConfig is the per-image-type configuration consumed by the
// downstream image builder. Field names are part of the wire contract
// with that builder (spec §6) and must be reproduced bit-exact.
type TypeConfig struct {
	MakeISO      bool     `toml:"make_iso,omitempty" json:"make_iso,omitempty"`
	MakeDisk     bool     `toml:"make_disk,omitempty" json:"make_disk,omitempty"`
	MakeFS       bool     `toml:"make_fs,omitempty" json:"make_fs,omitempty"`
	MakeTar      bool     `toml:"make_tar,omitempty" json:"make_tar,omitempty"`
	MakeTarDisk  bool     `toml:"make_tar_disk,omitempty" json:"make_tar_disk,omitempty"`
	ImageName    string   `toml:"image_name,omitempty" json:"image_name,omitempty"`
	ImageType    string   `toml:"image_type,omitempty" json:"image_type,omitempty"`
	ISOName      string   `toml:"iso_name,omitempty" json:"iso_name,omitempty"`
	FSLabel      string   `toml:"fs_label,omitempty" json:"fs_label,omitempty"`
	TarDiskName  string   `toml:"tar_disk_name,omitempty" json:"tar_disk_name,omitempty"`
	ImageSzAlign int      `toml:"image_size_align,omitempty" json:"image_size_align,omitempty"`
	Compression  string   `toml:"compression,omitempty" json:"compression,omitempty"`
	CompressArgs []string `toml:"compress_args,omitempty" json:"compress_args,omitempty"`
	QemuArgs     []string `toml:"qemu_args,omitempty" json:"qemu_args,omitempty"`
}

// TypeConfigs is the complete per-type default map referenced by spec §6.
// Consumers of the resulting config.toml depend on these field names, so
// this map must never be renamed field-by-field.
var TypeConfigs = map[string]TypeConfig{
	"tar": {
		MakeTar:   true,
		ImageName: "root.tar.xz",
	},
	"qcow2": {
		MakeDisk:  true,
		ImageType: "qcow2",
		ImageName: "disk.qcow2",
	},
	"ext4-filesystem": {
		MakeFS:    true,
		ImageName: "filesystem.img",
	},
	"partitioned-disk": {
		MakeDisk:  true,
		ImageType: "raw",
		ImageName: "disk.img",
	},
	"live-iso": {
		MakeISO: true,
		ISOName: "live.iso",
		FSLabel: "Anaconda",
	},
	"ami": {
		MakeDisk:  true,
		ImageType: "raw",
		ImageName: "disk.ami",
	},
	"vhd": {
		MakeDisk:     true,
		ImageType:    "vpc",
		ImageName:    "disk.vhd",
		QemuArgs:     []string{"-o", "subformat=fixed,force_size"},
		Compression:  "xz",
		CompressArgs: []string{},
	},
	"vmdk": {
		MakeDisk:  true,
		ImageType: "vmdk",
		ImageName: "disk.vmdk",
	},
	"openstack": {
		MakeDisk:  true,
		ImageType: "qcow2",
		ImageName: "disk.qcow2",
	},
	"google": {
		MakeDisk:     true,
		MakeTarDisk:  true,
		ImageSzAlign: 1024,
		Compression:  "gzip",
		CompressArgs: []string{"-9"},
		ImageName:    "disk.tar.gz",
		TarDiskName:  "disk.raw",
	},
	"alibaba": {
		MakeDisk:  true,
		ImageType: "qcow2",
		ImageName: "disk.qcow2",
	},
}

// archDenylist maps an architecture to the compose types it cannot produce.
var archDenylist = map[string][]string{
	"arm":     {"alibaba", "ami", "google", "hyper-v", "vhd", "vmdk"},
	"armhfp":  {"alibaba", "ami", "google", "hyper-v", "vhd", "vmdk"},
	"aarch64": {"alibaba", "google", "hyper-v", "vhd", "vmdk"},
	"ppc":     {"alibaba", "ami", "google", "hyper-v", "vhd", "vmdk"},
	"ppc64":   {"alibaba", "ami", "google", "hyper-v", "vhd", "vmdk"},
	"ppc64le": {"alibaba", "ami", "google", "hyper-v", "vhd", "vmdk"},
	"s390":    {"alibaba", "ami", "google", "hyper-v", "vhd", "vmdk"},
	"s390x":   {"alibaba", "ami", "google", "hyper-v", "vhd", "vmdk"},
}

// DeniedTypes returns the compose types disabled on the given architecture.
func DeniedTypes(arch string) []string {
	return archDenylist[arch]
}

// TypeAllowed reports whether composeType may be built on arch.
func TypeAllowed(arch, composeType string) bool {
	for _, denied := range archDenylist[arch] {
		if denied == composeType {
			return false
		}
	}
	return true
}
