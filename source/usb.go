// Copyright 2025 The tracedemux Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package source

import (
	"context"
	"time"

	"github.com/google/gousb"
	"github.com/pkg/errors"

	"github.com/tracedemux/tracedemux/logger"
)

func init() {
	Register(newUSBSource, "usb")
}

// usbDevice is one probe the USB source knows how to open.
type usbDevice struct {
	vid, pid     gousb.ID
	iface        int
	endpoint     int
	autodiscover bool
	name         string
}

// usbDeviceTable lists the supported trace probes in preference order.
var usbDeviceTable = []usbDevice{
	{0x1209, 0x3443, 0, 0x81, true, "Orbtrace"},
	{0x1d50, 0x6018, 5, 0x85, false, "Blackmagic"},
	{0x2b3e, 0xc610, 3, 0x85, false, "Phywhisperer"},
}

// Vendor-specific trace interface markers used by autodiscovery.
const (
	traceIfaceClass    = gousb.ClassVendorSpec
	traceIfaceSubClass = 0x54
)

// bulkReadTimeout bounds one bulk transfer. Expiry is not an error,
// it just means the probe had nothing to say.
const bulkReadTimeout = 10 * time.Millisecond

// usbSource claims a trace probe's bulk-in endpoint and reads it with
// a short timeout so the ingest loop stays responsive to shutdown.
type usbSource struct {
	ctx   *gousb.Context
	dev   *gousb.Device
	cfg   *gousb.Config
	intf  *gousb.Interface
	ep    *gousb.InEndpoint
	table []usbDevice
}

func newUSBSource(_ *Config) (Source, error) {
	return &usbSource{table: usbDeviceTable}, nil
}

func (s *usbSource) Name() string {
	return "usb"
}

func (s *usbSource) Open() error {
	s.ctx = gousb.NewContext()

	for _, want := range s.table {
		dev, err := s.ctx.OpenDeviceWithVIDPID(want.vid, want.pid)
		if err != nil || dev == nil {
			continue
		}
		if err := s.claim(dev, want); err != nil {
			logger.Warnf("found %s but could not claim it: %v", want.name, err)
			dev.Close()
			continue
		}
		logger.Infof("using %s (%04x:%04x) interface %d endpoint 0x%02x",
			want.name, uint16(want.vid), uint16(want.pid), s.intf.Setting.Number, s.ep.Desc.Address)
		return nil
	}

	s.teardown()
	return errors.New("no supported USB probe found")
}

// claim selects and claims the trace interface on dev, resolving the
// interface/endpoint pair by autodiscovery when the table entry allows
// it.
func (s *usbSource) claim(dev *gousb.Device, want usbDevice) error {
	iface, ep := want.iface, want.endpoint
	if want.autodiscover {
		if di, de, ok := discoverTraceIface(dev); ok {
			iface, ep = di, de
		}
	}

	if err := dev.SetAutoDetach(true); err != nil {
		return errors.Wrap(err, "set auto detach")
	}

	cfgNum, err := dev.ActiveConfigNum()
	if err != nil {
		return errors.Wrap(err, "query active configuration")
	}
	cfg, err := dev.Config(cfgNum)
	if err != nil {
		return errors.Wrap(err, "select configuration")
	}
	intf, err := cfg.Interface(iface, 0)
	if err != nil {
		cfg.Close()
		return errors.Wrapf(err, "claim interface %d", iface)
	}
	in, err := intf.InEndpoint(ep & 0x0F)
	if err != nil {
		intf.Close()
		cfg.Close()
		return errors.Wrapf(err, "open endpoint 0x%02x", ep)
	}

	s.dev, s.cfg, s.intf, s.ep = dev, cfg, intf, in
	return nil
}

// discoverTraceIface scans the active configuration for a
// vendor-specific trace interface: class 0xFF, subclass 0x54,
// protocol 0 or 1, carrying exactly one endpoint.
func discoverTraceIface(dev *gousb.Device) (iface, ep int, ok bool) {
	active, err := dev.ActiveConfigNum()
	if err != nil {
		return 0, 0, false
	}
	for _, cfg := range dev.Desc.Configs {
		if cfg.Number != active {
			continue
		}
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if alt.Class != traceIfaceClass || uint8(alt.SubClass) != traceIfaceSubClass {
					continue
				}
				if alt.Protocol != 0x00 && alt.Protocol != 0x01 {
					continue
				}
				if len(alt.Endpoints) != 1 {
					continue
				}
				for _, epDesc := range alt.Endpoints {
					return intf.Number, int(epDesc.Address), true
				}
			}
		}
	}
	return 0, 0, false
}

func (s *usbSource) Read(buf []byte) (int, Status) {
	ctx, cancel := context.WithTimeout(context.Background(), bulkReadTimeout)
	defer cancel()

	n, err := s.ep.ReadContext(ctx, buf)
	if n > 0 {
		return n, StatusOK
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, gousb.TransferTimedOut) {
		return 0, StatusOK
	}
	if err != nil {
		return 0, StatusTransient
	}
	return 0, StatusOK
}

func (s *usbSource) teardown() {
	if s.intf != nil {
		s.intf.Close()
		s.intf = nil
	}
	if s.cfg != nil {
		s.cfg.Close()
		s.cfg = nil
	}
	if s.dev != nil {
		s.dev.Close()
		s.dev = nil
	}
	if s.ctx != nil {
		s.ctx.Close()
		s.ctx = nil
	}
	s.ep = nil
}

func (s *usbSource) Close() error {
	s.teardown()
	return nil
}
