// SockExchange CLI entry point.
//
// Runs either side of the private message bus: the hub that every leaf
// registers with, or a leaf that keeps a connection to the hub.
//
//	sockexchange -role hub  -listen :20000 -password secret -leaves west,east
//	sockexchange -role leaf -hub 127.0.0.1:20000 -name west -password secret
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"

	"github.com/GeeItsZee/SockExchange/internal/app"
	"github.com/GeeItsZee/SockExchange/internal/config"
	"github.com/GeeItsZee/SockExchange/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CLI flags.
	role := flag.String("role", "", "Role: hub or leaf")
	password := flag.String("password", "", "Shared registration secret")
	metricsAddr := flag.String("metrics", "", "Serve prometheus metrics on this address (optional)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")

	listen := flag.String("listen", ":20000", "TCP address leaves connect to (hub only)")
	wsListen := flag.String("wsListen", "", "HTTP address serving WebSocket leaves on /ws (hub only)")
	leaves := flag.String("leaves", "", "Comma-separated known leaf names (hub only)")
	private := flag.String("private", "", "Comma-separated leaf names marked private (hub only)")
	maxConns := flag.Int("maxConns", config.DefaultMaxConnections, "Max concurrent leaf sockets (hub only)")
	redisAddr := flag.String("redis", "", "Redis address for player lookups (hub only)")
	redisPassword := flag.String("redisPassword", "", "Redis password (hub only)")
	redisDB := flag.Int("redisDB", 0, "Redis database (hub only)")

	hubAddr := flag.String("hub", "", "Hub address host:port or ws(s):// URL (leaf only)")
	name := flag.String("name", "", "This leaf's name (leaf only)")
	reconnect := flag.Duration("reconnect", config.DefaultReconnectInterval, "Reconnect interval (leaf only)")

	sweep := flag.Duration("sweep", config.DefaultSweepInterval, "Pending-call expiry sweep interval")
	readTimeout := flag.Duration("readTimeout", config.DefaultReadTimeout, "Drop a link after this much silence")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Printfln("SockExchange v%s", version)
	pterm.Println()

	timing := config.Timing{SweepInterval: *sweep, ReadTimeout: *readTimeout}

	var err error
	switch config.Role(*role) {
	case config.RoleHub:
		err = app.RunHub(ctx, config.HubConfig{
			ListenAddr:     *listen,
			WebSocketAddr:  *wsListen,
			MetricsAddr:    *metricsAddr,
			Password:       *password,
			Leaves:         config.ParseLeaves(*leaves, *private),
			MaxConnections: *maxConns,
			RedisAddr:      *redisAddr,
			RedisPassword:  *redisPassword,
			RedisDB:        *redisDB,
			Timing:         timing,
		})

	case config.RoleLeaf:
		err = app.RunLeaf(ctx, config.LeafConfig{
			HubAddr:           *hubAddr,
			Name:              *name,
			Password:          *password,
			ReconnectInterval: *reconnect,
			MetricsAddr:       *metricsAddr,
			Timing:            timing,
		})

	default:
		util.LogError("invalid -role: must be 'hub' or 'leaf'")
		os.Exit(2)
	}

	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("bye")
}
