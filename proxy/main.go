package main

import (
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"gitlab.torproject.org/tpo/anti-censorship/pluggable-transports/snowflake-proxy/common/event"
	"gitlab.torproject.org/tpo/anti-censorship/pluggable-transports/snowflake-proxy/common/safelog"
	"gitlab.torproject.org/tpo/anti-censorship/pluggable-transports/snowflake-proxy/common/version"
	sf "gitlab.torproject.org/tpo/anti-censorship/pluggable-transports/snowflake-proxy/proxy/lib"
)

func main() {
	capacity := flag.Uint("capacity", 0, "maximum concurrent clients (0 starts the adaptive cap at 1, grown by the poll-interval scheduler)")
	stunURL := flag.String("stun", sf.DefaultSTUNURL, "STUN URL")
	logFilename := flag.String("log", "", "log filename")
	rawBrokerURL := flag.String("broker", sf.DefaultBrokerURL, "broker URL")
	unsafeLogging := flag.Bool("unsafe-logging", false, "prevent logs from being scrubbed")
	keepLocalAddresses := flag.Bool("keep-local-addresses", false, "keep local LAN address ICE candidates")
	relayURL := flag.String("relay", sf.DefaultRelayURL, "websocket relay URL")
	allowedRelayHostNamePattern := flag.String("allowed-relay-hostname-pattern", sf.DefaultAllowedRelayPattern, "a pattern to specify allowed hostname pattern for relay URL.")
	allowNonTLSRelay := flag.Bool("allow-non-tls-relay", false, "allow relay without tls encryption")
	natRetestInterval := flag.Duration("nat-retest-interval", time.Hour*24,
		"the time interval before NAT type is retested, 0s disables retest. Valid time units are \"s\", \"m\", \"h\".")
	summaryInterval := flag.Duration("summary-interval", time.Hour,
		"the time interval to output summary, 0s disables summaries. Valid time units are \"s\", \"m\", \"h\".")
	verboseLogging := flag.Bool("verbose", false, "increase log verbosity")
	ephemeralPortsRangeFlag := flag.String("ephemeral-ports-range", "", "ICE UDP ephemeral ports range (format:\"<min>:<max>\")")
	versionFlag := flag.Bool("version", false, "display version info to stderr and quit")

	rateLimitFlag := flag.Int64("limit-bps", 0, "rate limit in bytes/s applied across all clients, 0 for unlimited")
	egressProxyURL := flag.String("egress-proxy", "", "SOCKS5 URL to proxy broker and relay traffic through")
	utlsImitate := flag.String("utls-imitate", "", "uTLS ClientHelloID to camouflage broker HTTP traffic with, empty to disable")
	utlsRemoveSNI := flag.Bool("utls-remove-sni", false, "omit the TLS ServerName extension in the uTLS ClientHello")
	metricsAddr := flag.String("metrics-address", "", "address to serve Prometheus metrics on, empty to disable")
	sqsQueueURL := flag.String("sqs-queue-url", "", "rendezvous with the broker over this SQS queue instead of HTTP")
	sqsCredsStr := flag.String("sqs-creds", "", "base64-encoded SQS credentials, see generate_creds.go")

	var ephemeralPortsRange []uint16 = []uint16{0, 0}

	flag.Parse()

	if *versionFlag {
		fmt.Fprintf(os.Stderr, "snowflake-proxy %s", version.ConstructResult())
		os.Exit(0)
	}

	if *ephemeralPortsRangeFlag != "" {
		ephemeralPortsRangeParts := strings.Split(*ephemeralPortsRangeFlag, ":")
		if len(ephemeralPortsRangeParts) == 2 {
			ephemeralMinPort, err := strconv.ParseUint(ephemeralPortsRangeParts[0], 10, 16)
			if err != nil {
				log.Fatal(err)
			}

			ephemeralMaxPort, err := strconv.ParseUint(ephemeralPortsRangeParts[1], 10, 16)
			if err != nil {
				log.Fatal(err)
			}

			if ephemeralMinPort == 0 || ephemeralMaxPort == 0 {
				log.Fatal("Ephemeral port cannot be zero")
			}
			if ephemeralMinPort > ephemeralMaxPort {
				log.Fatal("Invalid port range: min > max")
			}

			ephemeralPortsRange = []uint16{uint16(ephemeralMinPort), uint16(ephemeralMaxPort)}
		} else {
			log.Fatalf("Bad range port format: %v", *ephemeralPortsRangeFlag)
		}
	}

	var logOutput = ioutil.Discard
	var eventlogOutput io.Writer = os.Stderr
	log.SetFlags(log.LstdFlags | log.LUTC)

	if *verboseLogging {
		logOutput = os.Stderr
	}

	if *logFilename != "" {
		f, err := os.OpenFile(*logFilename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()
		if *verboseLogging {
			logOutput = io.MultiWriter(logOutput, f)
		}
		eventlogOutput = io.MultiWriter(eventlogOutput, f)
	}

	if *unsafeLogging {
		log.SetOutput(logOutput)
	} else {
		log.SetOutput(&safelog.LogScrubber{Output: logOutput})
	}

	log.Printf("snowflake-proxy %s\n", version.GetVersion())

	eventDispatcher := event.NewSnowflakeEventDispatcher()
	eventDispatcher.AddSnowflakeEventListener(sf.NewProxyEventLogger(eventlogOutput))
	periodicStats := newPeriodicStatsOrNil(*summaryInterval, eventDispatcher)
	if periodicStats != nil {
		defer periodicStats.Close()
	}

	config, err := sf.NewConfig(sf.Config{
		BrokerURL:           *rawBrokerURL,
		DefaultRelayURL:     *relayURL,
		AllowedRelayPattern: *allowedRelayHostNamePattern,
		AllowNonTLSRelay:    *allowNonTLSRelay,

		RateLimitBytesPerSecond: *rateLimitFlag,

		MaxNumClients: *capacity,
		ICEServers:    []webrtc.ICEServer{{URLs: []string{*stunURL}}},

		KeepLocalAddresses: *keepLocalAddresses,
		EphemeralMinPort:   ephemeralPortsRange[0],
		EphemeralMaxPort:   ephemeralPortsRange[1],

		EgressProxyURL:    *egressProxyURL,
		UTLSClientHelloID: *utlsImitate,
		UTLSRemoveSNI:     *utlsRemoveSNI,

		SQSQueueURL: *sqsQueueURL,
		SQSCredsStr: *sqsCredsStr,

		MetricsAddr:       *metricsAddr,
		NATRetestInterval: *natRetestInterval,

		EventDispatcher: eventDispatcher,
	})
	if err != nil {
		log.Fatalf("bad configuration: %v", err)
	}

	if err := runProxy(config); err != nil {
		log.Fatal(err)
	}
}

func newPeriodicStatsOrNil(interval time.Duration, dispatcher event.SnowflakeEventDispatcher) *sf.PeriodicProxyStats {
	if interval <= 0 {
		return nil
	}
	stats := sf.NewPeriodicProxyStats(interval, dispatcher)
	dispatcher.AddSnowflakeEventListener(stats)
	return stats
}

// runProxy wires the broker channel, WebRTC/websocket transport factories,
// NAT prober, and optional Prometheus endpoint into a running Scheduler
// (§4.5), blocking until the process is killed.
func runProxy(config *sf.Config) error {
	if config.MetricsAddr != "" {
		metrics := sf.NewMetrics()
		if err := metrics.Start(config.MetricsAddr); err != nil {
			return fmt.Errorf("starting metrics listener: %w", err)
		}
		config.EventDispatcher.AddSnowflakeEventListener(sf.NewEventMetrics(metrics))
	}

	sched, err := sf.NewScheduler(config)
	if err != nil {
		return fmt.Errorf("building scheduler: %w", err)
	}

	config.EventDispatcher.OnNewSnowflakeEvent(event.EventOnProxyStarting{})
	sched.Start()

	select {}
}
