package fuzztarget

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
)

// ethernet frame layout constants
const (
	ethDstOffset  = 0
	ethSrcOffset  = 6
	ethHeaderSize = 14
)

// defaultSourceHardwareAddr picks the hardware address of the first
// non-loopback interface that has one, for use as the raw-frame source
// when the caller did not provide an override.
func defaultSourceHardwareAddr() net.HardwareAddr {
	ifaces, err := net.Interfaces()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "defaultSourceHardwareAddr",
			"error":    err.Error(),
		}).Warn("Unable to enumerate network interfaces")
		return nil
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 6 {
			return iface.HardwareAddr
		}
	}
	return nil
}

// injectHardwareAddresses patches the source (and, when configured, the
// destination) MAC of a raw-destined payload in place. Payloads that do
// not decode as an ethernet frame are sent untouched.
func (t *NetworkTarget) injectHardwareAddresses(d *Data) {
	if d == nil || (t.macSrc == nil && t.macDst == nil) {
		return
	}
	raw := d.Bytes()
	if len(raw) < ethHeaderSize {
		return
	}

	pkt := gopacket.NewPacket(raw, layers.LayerTypeEthernet, gopacket.NoCopy)
	if pkt.ErrorLayer() != nil || pkt.Layer(layers.LayerTypeEthernet) == nil {
		logrus.WithFields(logrus.Fields{
			"function": "NetworkTarget.injectHardwareAddresses",
			"length":   len(raw),
		}).Warn("Payload is not an ethernet frame, hardware addresses left untouched")
		return
	}

	patched := append([]byte(nil), raw...)
	if t.macSrc != nil && len(t.macSrc) == 6 {
		copy(patched[ethSrcOffset:ethSrcOffset+6], t.macSrc)
	}
	if t.macDst != nil && len(t.macDst) == 6 {
		copy(patched[ethDstOffset:ethDstOffset+6], t.macDst)
	}
	d.SetBytes(patched)
}
