package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/LeonardoBeccarini/agrilink/pkg/radio"
)

const namespace = "agrilink"

// Metrics is the gateway's Prometheus registry. Link counters are read from
// the radio at scrape time.
type Metrics struct {
	Registry *prometheus.Registry

	framesDecoded   prometheus.Counter
	framesMalformed prometheus.Counter
	valveCommands   *prometheus.CounterVec
	commandFrames   prometheus.Counter
	transportEvents *prometheus.CounterVec
	eventsDropped   prometheus.Counter
	publishFailures *prometheus.CounterVec
}

func NewMetrics(stats func() radio.Stats) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		framesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "telemetry_frames_total",
			Help: "Telemetry frames decoded from the radio.",
		}),
		framesMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "malformed_frames_total",
			Help: "Frames that passed the link checks but carried no known field.",
		}),
		valveCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "valve_commands_total",
			Help: "Valve commands relayed to the field node.",
		}, []string{"source"}),
		commandFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "command_frames_total",
			Help: "Command frames that left the radio, resends included.",
		}),
		transportEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "transport_commands_total",
			Help: "Accepted inbound transport commands.",
		}, []string{"kind"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "transport_events_dropped_total",
			Help: "Transport messages dropped because the event queue was full.",
		}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "publish_failures_total",
			Help: "Failed publishes to the transport.",
		}, []string{"topic"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.framesDecoded, m.framesMalformed, m.valveCommands, m.commandFrames,
		m.transportEvents, m.eventsDropped, m.publishFailures,
	)

	if stats != nil {
		linkCounter := func(name, help string, pick func(radio.Stats) uint64) prometheus.Collector {
			return prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace, Subsystem: "radio", Name: name, Help: help,
			}, func() float64 { return float64(pick(stats())) })
		}
		m.Registry.MustRegister(
			linkCounter("frames_sent_total", "Frames handed to the radio driver.",
				func(s radio.Stats) uint64 { return s.Sent }),
			linkCounter("send_failures_total", "Frames the radio failed to send.",
				func(s radio.Stats) uint64 { return s.SendFailures }),
			linkCounter("frames_received_total", "Valid frames received.",
				func(s radio.Stats) uint64 { return s.Received }),
			linkCounter("receive_failures_total", "Driver read errors.",
				func(s radio.Stats) uint64 { return s.ReceiveFailures }),
			linkCounter("frames_rejected_total", "Frames failing the sync word, length or CRC check.",
				func(s radio.Stats) uint64 { return s.Rejected }),
		)
	}
	return m
}
