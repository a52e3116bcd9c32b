// Package device collects the host fingerprint embedded in forensic payloads
// and derives the composite device id from it.
package device

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// MacQuality MAC 地址质量标记
type MacQuality string

const (
	MacNone   MacQuality = "NONE"   // 采集失败
	MacRandom MacQuality = "RANDOM" // 本地管理位 (随机/伪造)
	MacVM     MacQuality = "VM"     // 疑似虚拟网卡
	MacGood   MacQuality = "GOOD"
)

const unknown = "-"

// Fingerprint 主机指纹
type Fingerprint struct {
	MachineID   string
	PrimaryMAC  string
	MACs        []string
	BIOSSerial  string
	BoardSerial string
	ProductName string
	MacQuality  MacQuality
	VMSuspect   bool
}

// Collector 从 /etc 与 /sys 读取指纹，Root 便于测试时替换根目录
type Collector struct {
	Root       string
	Interfaces func() ([]net.Interface, error)
}

func NewCollector() *Collector {
	return &Collector{Root: "/", Interfaces: net.Interfaces}
}

func (c *Collector) Collect() Fingerprint {
	fp := Fingerprint{
		MachineID:   c.readFirst("etc/machine-id", "var/lib/dbus/machine-id"),
		BIOSSerial:  c.readFirst("sys/class/dmi/id/product_serial"),
		BoardSerial: c.readFirst("sys/class/dmi/id/board_serial"),
		ProductName: c.readFirst("sys/class/dmi/id/product_name"),
	}

	var nics []nic
	if c.Interfaces != nil {
		if ifaces, err := c.Interfaces(); err == nil {
			for _, ifc := range ifaces {
				nics = append(nics, nic{
					Name:     ifc.Name,
					HW:       ifc.HardwareAddr,
					Up:       ifc.Flags&net.FlagUp != 0,
					Loopback: ifc.Flags&net.FlagLoopback != 0,
				})
			}
		}
	}
	fp.PrimaryMAC, fp.MACs, fp.MacQuality, fp.VMSuspect = classifyMACs(nics)
	if isVMProduct(fp.ProductName) {
		fp.VMSuspect = true
	}
	return fp
}

// readFirst 读取第一个存在的文件，不可读时返回 "-"
func (c *Collector) readFirst(paths ...string) string {
	for _, p := range paths {
		b, err := os.ReadFile(filepath.Join(c.Root, p))
		if err != nil {
			continue
		}
		if v := strings.TrimSpace(string(b)); v != "" {
			return v
		}
	}
	return unknown
}

type nic struct {
	Name     string
	HW       net.HardwareAddr
	Up       bool
	Loopback bool
}

var virtualNICHints = []string{"vmware", "virtualbox", "vbox", "hyper-v", "veth", "vnic", "tap", "vpn", "docker", "virbr"}

// classifyMACs 选择主 MAC：优先全局唯一地址，全部为随机地址时取第一个
func classifyMACs(nics []nic) (primary string, all []string, q MacQuality, vm bool) {
	var good string
	for _, n := range nics {
		if !n.Up || n.Loopback || len(n.HW) < 6 {
			continue
		}
		mac := strings.ToUpper(n.HW.String())
		all = append(all, mac)

		name := strings.ToLower(n.Name)
		for _, hint := range virtualNICHints {
			if strings.Contains(name, hint) {
				vm = true
				break
			}
		}
		if n.HW[0]&0x02 == 0 && good == "" {
			good = mac
		}
	}

	switch {
	case len(all) == 0:
		return "", nil, MacNone, vm
	case good != "":
		if vm {
			return good, all, MacVM, vm
		}
		return good, all, MacGood, vm
	default:
		return all[0], all, MacRandom, vm
	}
}

func isVMProduct(product string) bool {
	p := strings.ToLower(product)
	for _, hint := range []string{"virtualbox", "vmware", "kvm", "qemu", "virtual machine", "bochs", "xen"} {
		if strings.Contains(p, hint) {
			return true
		}
	}
	return false
}

// DeviceID 复合设备 ID：规范化字段后加盐 SHA-256，取前 20 个 hex
func DeviceID(fp Fingerprint, salt string) string {
	quality := fp.MacQuality
	if quality == "" {
		quality = MacNone
	}
	kind := "PHYSICAL"
	if fp.VMSuspect {
		kind = "VM"
	}
	fields := []string{
		norm(fp.MachineID),
		norm(fp.PrimaryMAC),
		norm(fp.BIOSSerial),
		norm(fp.BoardSerial),
		norm(string(quality)),
		kind,
		salt,
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])[:20]
}

func norm(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return unknown
	}
	return s
}
