// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command shimd is a demo IPC process daemon: it loads an HCL config
// naming one or more assign_to_dif calls, wires the three shim
// families to an in-memory reference controller, and serves Prometheus
// metrics while the process runs.
package main

import (
	"flag"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rina.dev/shim/internal/controller"
	"rina.dev/shim/internal/logging"
	"rina.dev/shim/internal/registry"
	"rina.dev/shim/internal/rerr"
	"rina.dev/shim/internal/rinaaddr"
	"rina.dev/shim/internal/shimconfig"
	"rina.dev/shim/internal/shimeth"
	"rina.dev/shim/internal/shimhv"
	"rina.dev/shim/internal/shimmetrics"
	"rina.dev/shim/internal/shimtcpudp"
)

func main() {
	configPath := flag.String("config", "", "Path to HCL shim config file")
	metricsAddr := flag.String("metrics-addr", "", "If set, serve Prometheus metrics on this address (e.g. :9090)")
	flag.Parse()

	logger := logging.Default()
	if *configPath == "" {
		logger.Error("missing required -config flag")
		os.Exit(2)
	}

	cfg, err := shimconfig.LoadFile(*configPath)
	if err != nil {
		logger.WithError(err).Error("failed to load shim config")
		os.Exit(1)
	}

	metrics := shimmetrics.New()
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	reqRegistry := registry.New()
	ctrl := controller.NewReference()

	if err := registerFactories(reqRegistry, metrics, logger); err != nil {
		logger.WithError(err).Error("failed to register shim factories")
		os.Exit(1)
	}

	for _, dif := range cfg.DIFs {
		if err := assign(reqRegistry, ctrl, dif, logger); err != nil {
			logger.WithError(err).Error("failed to assign DIF", "dif", dif.Name, "shim_type", dif.ShimType)
			os.Exit(1)
		}
		logger.Info("DIF assigned", "dif", dif.Name, "shim_type", dif.ShimType, "ipcp_id", dif.IPCPID)
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		logger.Info("serving metrics", "addr", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			logger.WithError(err).Error("metrics server exited")
			os.Exit(1)
		}
		return
	}

	select {}
}

// registerFactories wires every shim family's production factory under
// the aliases the on-disk config's shim_type field may name (spec §4.1,
// SPEC_FULL §5's five Ethernet aliases over one engine).
func registerFactories(r *registry.Registry, metrics *shimmetrics.Metrics, logger *logging.Logger) error {
	devices, err := shimeth.NewNetlinkResolver()
	if err != nil {
		return err
	}
	ethFactory := shimeth.NewFactory(devices, shimeth.OpenPacketSocket, metrics, logger)
	for _, alias := range []string{"shim-eth", "shim-vlan", "shim-eth-vlan", "shim-wifi-ap", "shim-wifi-sta"} {
		if _, err := r.Register(alias, nil, ethFactory); err != nil {
			return err
		}
	}

	tcpudpFactory := shimtcpudp.NewFactory(metrics, logger)
	if _, err := r.Register("shim-tcp-udp", nil, tcpudpFactory); err != nil {
		return err
	}

	hvFactory := shimhv.NewFactory(shimhv.OpenVsockTransport, metrics, logger)
	if _, err := r.Register("shim-hypervisor", nil, hvFactory); err != nil {
		return err
	}
	return nil
}

// assign looks up dif.ShimType's factory, creates an instance, and
// drives assign_to_dif with the block's config map (spec §6.2-§6.3).
func assign(r *registry.Registry, ctrl controller.Controller, dif shimconfig.DIFBlock, logger *logging.Logger) error {
	handle, ok := r.Find(dif.ShimType)
	if !ok {
		return rerr.Errorf(rerr.KindNotFound, "no shim factory registered for shim_type %q", dif.ShimType)
	}
	processName := rinaaddr.Name{ProcessName: dif.ProcessName}
	inst, err := r.Create(handle, processName, dif.IPCPID, ctrl)
	if err != nil {
		return err
	}
	return inst.AssignToDIF(dif.Name, dif.ShimType, dif.Config)
}
