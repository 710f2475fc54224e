package main

import (
	"log/slog"
	"net"

	"github.com/DylanSMR/NetworkingLibrary/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	udpExposed := !isLoopbackAddr(cfg.UDPAddr)

	if udpExposed && !cfg.IgnoreEmptyDatagrams {
		logger.Warn("startup security warning: any peer that can reach the UDP socket can stop the relay with an empty datagram",
			"warning_code", "empty_datagram_shutdown_exposed",
			"udp_addr", cfg.UDPAddr,
			"mode", cfg.Mode,
		)
	}

	// Identifiers are first-come: whoever sends as "server" first owns it.
	if udpExposed {
		logger.Warn("startup security warning: peer identifiers are claimed by their first sender; a remote peer can register as server",
			"warning_code", "identifier_claim_exposed",
			"udp_addr", cfg.UDPAddr,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxPPSPerSource <= 0 {
		logger.Warn("startup security warning: MAX_PPS_PER_SOURCE is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_pps_unlimited_in_prod",
			"max_pps_per_source", cfg.MaxPPSPerSource,
			"mode", cfg.Mode,
		)
	}

	if cfg.WSBridgeEnabled && !isLoopbackAddr(cfg.HTTPAddr) {
		logger.Warn("startup security warning: the WebSocket bridge is reachable beyond loopback and has no authentication",
			"warning_code", "ws_bridge_exposed",
			"http_addr", cfg.HTTPAddr,
			"mode", cfg.Mode,
		)
	}
}

// isLoopbackAddr reports whether host:port binds only to loopback. Hostnames
// other than "localhost" count as exposed.
func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
