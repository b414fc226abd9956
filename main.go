// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"

	"github.com/vbridge/usbip-bridge/backing"
	"github.com/vbridge/usbip-bridge/bridge"
	"github.com/vbridge/usbip-bridge/mockplugin"
	"github.com/vbridge/usbip-bridge/usbdesc"
	"github.com/vbridge/usbip-bridge/usbipsock"
	"github.com/vbridge/usbip-bridge/vhci"
)

const (
	logLevelAll   = "all"
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
	logLevelNone  = "none"
)

var availableLogLevels = strings.Join([]string{
	logLevelAll,
	logLevelDebug,
	logLevelInfo,
	logLevelWarn,
	logLevelError,
	logLevelNone,
}, ", ")

var speedsByName = map[string]vhci.USBDeviceSpeed{
	"low":    vhci.USBSpeedLow,
	"full":   vhci.USBSpeedFull,
	"high":   vhci.USBSpeedHigh,
	"super":  vhci.USBSpeedSuper,
	"super+": vhci.USBSpeedSuperPlus,
}

var availableSpeeds = strings.Join([]string{"low", "full", "high", "super", "super+"}, ", ")

// Main is the principal function for the binary, wrapped only by `main`
// for convenience.
func Main() error {
	if err := initConfig(); err != nil {
		return err
	}

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logLevel := viper.GetString("log-level")
	switch logLevel {
	case logLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	case logLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
	default:
		return fmt.Errorf("log level %v unknown; possible values are: %s", logLevel, availableLogLevels)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	speedName := viper.GetString("speed")
	speed, ok := speedsByName[speedName]
	if !ok {
		return fmt.Errorf("speed %q unknown; possible values are: %s", speedName, availableSpeeds)
	}

	descriptorPath := viper.GetString("descriptor-file")
	if descriptorPath == "" {
		return errors.New("--descriptor-file is required")
	}
	tree, err := loadDescriptorTree(descriptorPath)
	if err != nil {
		return errors.Wrap(err, "failed to load descriptor tree")
	}

	bk, devID, closeBacking, err := openBacking(tree, logger)
	if err != nil {
		return err
	}
	defer closeBacking()

	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := bridge.NewMetrics(r)

	var g run.Group
	{
		// Run the HTTP server.
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
		listen := viper.GetString("listen")
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %v", listen, err)
		}

		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("server exited unexpectedly: %v", err)
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			for {
				select {
				case <-term:
					_ = logger.Log("msg", "caught interrupt; gracefully cleaning up; see you next time!")
					return nil
				case <-cancel:
					return nil
				}
			}
		}, func(error) {
			close(cancel)
		})
	}

	vhciDriver, err := vhci.NewSysfsRootDriver(viper.GetString("vhci-sysfs-root"), logger)
	if err != nil {
		return errors.Wrap(err, "failed to set up VHCI driver")
	}

	endpoint, peerFd, err := usbipsock.NewPair()
	if err != nil {
		return errors.Wrap(err, "failed to create endpoint socket pair")
	}

	port, err := vhci.Attach(vhciDriver, speed, peerFd, devID)
	if err != nil {
		_ = endpoint.Close()
		return errors.Wrap(err, "failed to attach to VHCI")
	}
	_ = level.Info(logger).Log("msg", "attached virtual device", "port", port, "devid", devID)

	br := bridge.New(endpoint, bk, devID, tree, logger, metrics)
	bridgeCtx, cancelBridge := context.WithCancel(context.Background())
	g.Add(func() error {
		return br.Start(bridgeCtx)
	}, func(error) {
		cancelBridge()
		_ = endpoint.Close()
	})

	return g.Run()
}

// loadDescriptorTree reads the persisted descriptor tree format off disk.
func loadDescriptorTree(path string) (*usbdesc.Tree, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return usbdesc.Load(f)
}

// openBacking picks the live or mock backing per config, returning the
// devid the VHCI attach call should use and a close function for
// whichever resources the chosen backing opened.
func openBacking(tree *usbdesc.Tree, logger log.Logger) (backing.Backing, uint32, func(), error) {
	if mockName := viper.GetString("mock-plugin"); mockName != "" {
		cfg, err := getMockPluginConfig()
		if err != nil {
			return nil, 0, nil, err
		}
		plugin, err := mockplugin.ByName(mockName, cfg)
		if err != nil {
			return nil, 0, nil, errors.Wrapf(err, "failed to construct mock plugin %q", mockName)
		}
		_ = level.Info(logger).Log("msg", "bridging a mock device", "plugin", mockName)
		return backing.NewMockBacking(tree, plugin), 1, func() {}, nil
	}

	vid := uint16(viper.GetUint32("vid"))
	pid := uint16(viper.GetUint32("pid"))
	if vid == 0 && pid == 0 {
		return nil, 0, nil, errors.New("either --mock-plugin or both --vid and --pid must be set")
	}

	devicePath, devID, err := resolveDevicePath(os.DirFS("/"), "sys/bus/usb/devices", vid, pid)
	if err != nil {
		return nil, 0, nil, errors.Wrapf(err, "failed to resolve device path for vid=%#04x pid=%#04x", vid, pid)
	}

	lb, err := backing.OpenLiveBacking(devicePath, tree)
	if err != nil {
		return nil, 0, nil, errors.Wrap(err, "failed to open live backing")
	}
	_ = level.Info(logger).Log("msg", "bridging a live device", "path", devicePath)
	return lb, devID, func() { _ = lb.Close() }, nil
}

// resolveDevicePath scans devicesDir (relative to fsys) for the USB
// device node matching vid/pid and returns its /dev/bus/usb/BBB/DDD path
// plus the busnum<<16|devnum devid value usbip's wire format expects.
func resolveDevicePath(fsys fs.FS, devicesDir string, vid, pid uint16) (string, uint32, error) {
	entries, err := fs.ReadDir(fsys, devicesDir)
	if err != nil {
		return "", 0, err
	}

	for _, entry := range entries {
		busID := entry.Name()
		devPath := path.Join(devicesDir, busID)

		gotVid, err := readHexUint16Attr(fsys, devPath, "idVendor")
		if err != nil {
			continue
		}
		gotPid, err := readHexUint16Attr(fsys, devPath, "idProduct")
		if err != nil {
			continue
		}
		if gotVid != vid || gotPid != pid {
			continue
		}

		busnum, err := readDecUint32Attr(fsys, devPath, "busnum")
		if err != nil {
			return "", 0, err
		}
		devnum, err := readDecUint32Attr(fsys, devPath, "devnum")
		if err != nil {
			return "", 0, err
		}

		devID := busnum<<16 | devnum
		return fmt.Sprintf("/dev/bus/usb/%03d/%03d", busnum, devnum), devID, nil
	}

	return "", 0, errors.Newf("no USB device with vid=%#04x pid=%#04x found", vid, pid)
}

func readHexUint16Attr(fsys fs.FS, dir, name string) (uint16, error) {
	content, err := fs.ReadFile(fsys, path.Join(dir, name))
	if err != nil {
		return 0, err
	}
	var v uint16
	if _, err := fmt.Sscanf(strings.TrimSpace(string(content)), "%04x", &v); err != nil {
		return 0, errors.Wrapf(err, "failed to parse %s", name)
	}
	return v, nil
}

func readDecUint32Attr(fsys fs.FS, dir, name string) (uint32, error) {
	content, err := fs.ReadFile(fsys, path.Join(dir, name))
	if err != nil {
		return 0, err
	}
	var v uint32
	if _, err := fmt.Sscanf(strings.TrimSpace(string(content)), "%d", &v); err != nil {
		return 0, errors.Wrapf(err, "failed to parse %s", name)
	}
	return v, nil
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
