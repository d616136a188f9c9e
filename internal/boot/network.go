package boot

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	"github.com/cochaviz/kiln/internal/config"
)

const defaultBridgeName = "kiln0"

// network owns the TAP device a booted guest attaches to and the bridge
// behind it, optionally confined to a named network namespace. The TAP
// is removed on teardown; bridge and namespace are left in place so
// repeated boots reuse them.
type network struct {
	logger *slog.Logger
	cfg    config.BootNetworkProfile
	handle *netlink.Handle
	ns     netns.NsHandle
}

func setupNetwork(logger *slog.Logger, cfg config.BootNetworkProfile) (*network, error) {
	if os.Geteuid() != 0 {
		return nil, errors.New("boot networking needs root to manage links")
	}

	n := &network{logger: logger, cfg: cfg, ns: netns.None()}
	if cfg.Namespace != "" {
		ns, err := ensureNetns(cfg.Namespace)
		if err != nil {
			return nil, err
		}
		handle, err := netlink.NewHandleAt(ns)
		if err != nil {
			_ = ns.Close()
			return nil, fmt.Errorf("handle for netns %s: %w", cfg.Namespace, err)
		}
		n.ns = ns
		n.handle = handle
	} else {
		handle, err := netlink.NewHandle()
		if err != nil {
			return nil, fmt.Errorf("netlink handle: %w", err)
		}
		n.handle = handle
	}

	bridge, err := n.ensureBridge(n.bridgeName())
	if err != nil {
		n.close()
		return nil, err
	}
	if err := n.ensureTap(cfg.Tap, bridge); err != nil {
		n.close()
		return nil, err
	}
	logger.Debug("boot network ready", "tap", cfg.Tap, "bridge", n.bridgeName(), "netns", cfg.Namespace)
	return n, nil
}

func (n *network) bridgeName() string {
	if n.cfg.Bridge != "" {
		return n.cfg.Bridge
	}
	return defaultBridgeName
}

// qemuArgs attaches the guest NIC to the prepared TAP device.
func (n *network) qemuArgs() []string {
	return []string{
		"-netdev", fmt.Sprintf("tap,id=lan0,ifname=%s,script=no,downscript=no", n.cfg.Tap),
		"-device", "virtio-net-pci,netdev=lan0",
	}
}

func (n *network) ensureBridge(name string) (netlink.Link, error) {
	link, err := n.handle.LinkByName(name)
	if isLinkNotFound(err) {
		bridge := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
		if err := n.handle.LinkAdd(bridge); err != nil && !errors.Is(err, syscall.EEXIST) {
			return nil, fmt.Errorf("create bridge %s: %w", name, err)
		}
		link, err = n.handle.LinkByName(name)
	}
	if err != nil {
		return nil, fmt.Errorf("bridge %s: %w", name, err)
	}

	if n.cfg.GatewayCIDR != "" {
		if err := n.ensureAddress(link, n.cfg.GatewayCIDR); err != nil {
			return nil, err
		}
	}
	if err := n.handle.LinkSetUp(link); err != nil {
		return nil, fmt.Errorf("bring bridge %s up: %w", name, err)
	}
	return link, nil
}

func (n *network) ensureTap(name string, bridge netlink.Link) error {
	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TAP,
	}
	if err := n.handle.LinkAdd(tap); err != nil && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("create tap %s: %w", name, err)
	}
	link, err := n.handle.LinkByName(name)
	if err != nil {
		return fmt.Errorf("tap %s: %w", name, err)
	}
	if err := n.handle.LinkSetMaster(link, bridge); err != nil && !errors.Is(err, syscall.EBUSY) {
		return fmt.Errorf("enslave tap %s to %s: %w", name, bridge.Attrs().Name, err)
	}
	if err := n.handle.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring tap %s up: %w", name, err)
	}
	return nil
}

func (n *network) ensureAddress(link netlink.Link, cidr string) error {
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("parse gateway address %s: %w", cidr, err)
	}
	existing, err := n.handle.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("list addresses on %s: %w", link.Attrs().Name, err)
	}
	for _, have := range existing {
		if have.IP.Equal(addr.IP) && bytesEqualMask(have.Mask, addr.Mask) {
			return nil
		}
	}
	if err := n.handle.AddrAdd(link, addr); err != nil && !errors.Is(err, syscall.EEXIST) {
		return fmt.Errorf("assign %s to %s: %w", cidr, link.Attrs().Name, err)
	}
	return nil
}

func (n *network) teardown() {
	if link, err := n.handle.LinkByName(n.cfg.Tap); err == nil {
		if err := n.handle.LinkDel(link); err != nil {
			n.logger.Warn("could not remove tap device", "tap", n.cfg.Tap, "error", err)
		}
	} else if !isLinkNotFound(err) {
		n.logger.Warn("could not look up tap device", "tap", n.cfg.Tap, "error", err)
	}
	n.close()
}

func (n *network) close() {
	if n.handle != nil {
		n.handle.Close()
	}
	if n.ns.IsOpen() {
		_ = n.ns.Close()
	}
}

func ensureNetns(name string) (netns.NsHandle, error) {
	ns, err := netns.GetFromName(name)
	if err == nil {
		return ns, nil
	}
	if !errors.Is(err, syscall.ENOENT) {
		return netns.None(), fmt.Errorf("get netns %s: %w", name, err)
	}

	// NewNamed moves the calling thread into the new namespace; pin the
	// thread and hop back before the scheduler reuses it.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	origin, err := netns.Get()
	if err != nil {
		return netns.None(), fmt.Errorf("get current netns: %w", err)
	}
	defer origin.Close()

	ns, err = netns.NewNamed(name)
	if err != nil {
		return netns.None(), fmt.Errorf("create netns %s: %w", name, err)
	}
	if err := netns.Set(origin); err != nil {
		_ = ns.Close()
		return netns.None(), fmt.Errorf("leave netns %s: %w", name, err)
	}
	return ns, nil
}

// startInNamespace launches cmd inside the named network namespace. The
// child inherits whichever namespace the spawning thread occupies, so
// the thread is pinned, switched, and restored around Start.
func startInNamespace(cmd *exec.Cmd, name string) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	if err != nil {
		return fmt.Errorf("get current netns: %w", err)
	}
	defer origin.Close()

	target, err := netns.GetFromName(name)
	if err != nil {
		return fmt.Errorf("get netns %s: %w", name, err)
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		return fmt.Errorf("enter netns %s: %w", name, err)
	}
	defer func() { _ = netns.Set(origin) }()

	return cmd.Start()
}

func isLinkNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) {
		return true
	}
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound)
}

func bytesEqualMask(a, b net.IPMask) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
