package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/promoterlink/linkchat/auth"
	"github.com/promoterlink/linkchat/gateway"
	"github.com/promoterlink/linkchat/model"
)

var (
	flagAddr         = flag.String("addr", envDefault("LINKCHAT_ADDR", "127.0.0.1:8000"), "server address, ip:port")
	flagPidFile      = flag.String("pid-file", "linkchat.pid", "pid file")
	flagMysqlDsn     = flag.String("mysql-dsn", envDefault("LINKCHAT_MYSQL_DSN", ""), "mysql server dsn; empty runs the in-memory demo store")
	flagKafkaBrokers = flag.String("kafka-brokers", envDefault("LINKCHAT_KAFKA_BROKERS", ""), "comma separated kafka brokers; empty disables publishing")
	flagKafkaTopic   = flag.String("kafka-topic", envDefault("LINKCHAT_KAFKA_TOPIC", "linkchat-messages"), "kafka topic for delivered messages")
	flagJwtSecret    = flag.String("jwt-secret", envDefault("LINKCHAT_JWT_SECRET", ""), "HMAC secret for bearer tokens; empty trusts the user_id query (development)")

	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
)

func init() {
	// .env values act as flag defaults; real env vars and flags win.
	_ = godotenv.Load()
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := validateFlags(); v > 0 {
		return v
	}

	pid := os.Getpid()
	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	var store gateway.IHistoryStore
	var db *sql.DB
	if *flagMysqlDsn != "" {
		var err error
		db, err = sql.Open("mysql", *flagMysqlDsn)
		if err != nil {
			return errorf("sql.Open error, dsn: %s, err: %v", *flagMysqlDsn, err)
		}
		db.SetConnMaxLifetime(time.Minute * 3)
		db.SetMaxOpenConns(100)
		db.SetMaxIdleConns(1)
		store = gateway.NewSQLStore(db)
	} else {
		glog.Info("no --mysql-dsn, running with the in-memory demo store")
		store = newDemoStore()
	}

	var publisher *gateway.Publisher
	if *flagKafkaBrokers != "" {
		publisher = gateway.NewPublisher(strings.Split(*flagKafkaBrokers, ","), *flagKafkaTopic)
	}

	hub := gateway.NewHub(newAuthClient(), store, publisher)
	server := gateway.NewServer(hub, store)

	mux := http.NewServeMux()
	if !*flagDisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	mux.Handle("/", server.Routes())

	httpServer := &http.Server{Addr: *flagAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		glog.Infof("linkchat gateway is listening on %s", *flagAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case err := <-errCh:
		return errorf("http server: %v", err)
	case sig := <-sigCh:
		glog.Infof("received signal `%s`, stopping", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		glog.Errorf("http shutdown: %v", err)
	}
	hub.Close()
	if publisher != nil {
		_ = publisher.Close()
	}
	if db != nil {
		_ = db.Close()
	}

	glog.Info("linkchat gateway exited")
	return 0
}

func newAuthClient() auth.Client {
	if *flagJwtSecret != "" {
		return &auth.JWTClient{Secret: []byte(*flagJwtSecret)}
	}
	// TODO: hook into production auth API.
	return &auth.MockClient{}
}

// newDemoStore seeds two users so a fresh checkout can exercise the full
// send/renew loop without MySQL.
func newDemoStore() *gateway.MemStore {
	store := gateway.NewMemStore()
	store.AddUser(&model.User{Id: "alice", DisplayName: "Alice", LinkCoins: 5})
	store.AddUser(&model.User{Id: "bob", DisplayName: "Bob", LinkCoins: 5})
	store.Link("alice", "bob", nil)
	return store
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}
	if *flagKafkaBrokers != "" && *flagKafkaTopic == "" {
		return errorf("--kafka-topic is required with --kafka-brokers")
	}
	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		content, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(string(content))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			}
			glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := os.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	return nil
}
