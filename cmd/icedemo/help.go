package main

import (
	"fmt"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
)

var (
	flagControlling bool
	flagStunServer  string
	flagStunPort    uint16
	flagMaxChecks   uint32
	flagProxyType   string
	flagProxyIP     string
	flagProxyPort   uint16
	flagProxyUser   string
	flagProxyPass   string
	flagICEUDP      bool
	flagICETCP      bool
	flagForceRelay  bool
	flagSoftware    string
	flagComponents  int

	flagListen  string
	flagConnect string

	flagHelp bool
)

func init() {
	flag.BoolVarP(&flagControlling, "controlling-mode", "c", false, "Act as the controlling agent")
	flag.StringVar(&flagStunServer, "stun-server", "", "STUN server address")
	flag.Uint16Var(&flagStunPort, "stun-server-port", 3478, "STUN server port")
	flag.Uint32Var(&flagMaxChecks, "max-connectivity-checks", 0, "Cap on emitted Binding requests (0 = unlimited)")
	flag.StringVar(&flagProxyType, "proxy-type", "", "Proxy type")
	flag.StringVar(&flagProxyIP, "proxy-ip", "", "Proxy address")
	flag.Uint16Var(&flagProxyPort, "proxy-port", 0, "Proxy port")
	flag.StringVar(&flagProxyUser, "proxy-username", "", "Proxy username")
	flag.StringVar(&flagProxyPass, "proxy-password", "", "Proxy password")
	flag.BoolVar(&flagICEUDP, "ice-udp", true, "Gather UDP candidates")
	flag.BoolVar(&flagICETCP, "ice-tcp", false, "Gather TCP candidates")
	flag.BoolVar(&flagForceRelay, "force-relay", false, "Only exchange relayed candidates")
	flag.StringVar(&flagSoftware, "software", "icedemo", "Value of the SOFTWARE attribute")
	flag.IntVarP(&flagComponents, "components", "n", 2, "Number of components in the stream")

	flag.StringVarP(&flagListen, "listen", "l", "", "Listen for the peer's signaling websocket on this address (e.g. :9000)")
	flag.StringVar(&flagConnect, "connect", "", "Dial the peer's signaling websocket at this URL (e.g. ws://host:9000/ws)")

	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
}

const helpString = `icedemo establishes a single ICE stream between two instances of itself,
trickling host candidates over a websocket signaling channel, then echoes
stdin to the remote peer once the stream reaches Ready.

Usage:
  icedemo --listen=:9000
  icedemo --connect=ws://<listener-host>:9000/ws --controlling-mode

Signaling:
  -l, --listen=ADDR         Wait for the peer to connect on ADDR
      --connect=URL         Dial the peer's signaling websocket

ICE:
  -c, --controlling-mode    Act as the controlling agent
  -n, --components=NUM      Number of components (default 2)
      --stun-server=HOST    STUN server address
      --stun-server-port=N  STUN server port (default 3478)
      --max-connectivity-checks=N
      --force-relay         Only exchange relayed candidates
      --software=STR        SOFTWARE attribute value

Miscellaneous:
  -h, --help                Prints this help message and exits
`

func help() {
	c := color.New(color.FgCyan)
	c.Println("icedemo")
	fmt.Println(helpString)
}
