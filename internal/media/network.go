package media

import (
	"fmt"
	"net"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/config"
)

// NetworkSettings are the SettingEngine knobs taken from the client config.
type NetworkSettings struct {
	UDPPortRange         *config.UDPPortRange
	NAT1To1IPs           []string
	NAT1To1CandidateType config.NAT1To1IPCandidateType
	UDPListenIP          net.IP
}

func NetworkSettingsFromConfig(cfg config.Config) NetworkSettings {
	return NetworkSettings{
		UDPPortRange:         cfg.WebRTCUDPPortRange,
		NAT1To1IPs:           cfg.WebRTCNAT1To1IPs,
		NAT1To1CandidateType: cfg.WebRTCNAT1To1IPCandidateType,
		UDPListenIP:          cfg.WebRTCUDPListenIP,
	}
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, ns NetworkSettings) error {
	if ns.UDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(ns.UDPPortRange.Min, ns.UDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(ns.NAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch ns.NAT1To1CandidateType {
		case config.NAT1To1CandidateTypeHost, "":
			candidateType = webrtc.ICECandidateTypeHost
		case config.NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", ns.NAT1To1CandidateType)
		}
		se.SetNAT1To1IPs(ns.NAT1To1IPs, candidateType)
	}

	// SettingEngine has no bind-address knob; IPFilter restricts both gathering
	// and socket binding instead.
	if !config.IsUnspecifiedIP(ns.UDPListenIP) {
		listenIP := ns.UDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	return nil
}
