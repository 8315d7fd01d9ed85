package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"

	"github.com/kmutati/jamii/agent"
	echoapi "github.com/kmutati/jamii/api/echo"
	"github.com/kmutati/jamii/core"
	"github.com/kmutati/jamii/core/cache"
	"github.com/kmutati/jamii/core/push"
	"github.com/kmutati/jamii/realtime"
	emailsvc "github.com/kmutati/jamii/services/email"
	logsvc "github.com/kmutati/jamii/services/logger"
	webpushsvc "github.com/kmutati/jamii/services/webpush"
	"github.com/kmutati/jamii/storage/database"
	sqlxrepos "github.com/kmutati/jamii/storage/database/sqlx"
)

func main() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	// set up loggers
	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "GATEWAY : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)

	// set up DB
	db, err := setUpDB(conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	defer func() {
		if err = db.Close(); err != nil {
			logger.Error("closing database", err)
		}
	}()

	// set up repositories
	notifRepo := sqlxrepos.NewNotificationRepository(db)
	subRepo := sqlxrepos.NewSubscriptionRepository(db)
	cacheStore := sqlxrepos.NewCacheStore(db)

	// set up services
	var mailSvc core.EmailService
	if conf.Debug {
		mailSvc = emailsvc.NewConsoleService(conf)
	} else {
		mailSvc = emailsvc.NewSendgridService(conf, logger)
	}
	cacheSvc := cache.NewService(cacheStore)
	pushSvc := push.NewService(push.ServiceDeps{
		Repo:      subRepo,
		Deliverer: webpushsvc.NewService(conf, logger),
		Mail:      mailSvc,
		Conf:      conf,
		Logger:    logger,
	})

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	defer logger.Info("Application stopped")

	validate := validator.New()
	translator := newTranslator()
	core.InitValidators(validate, translator)

	// =========================================================================
	// Start the Interception Agent

	agt, err := agent.New(agent.Deps{Cache: cacheSvc, Conf: conf, Logger: logger})
	if err != nil {
		logger.Fatal(fmt.Sprintf("creating interception agent: %v", err), err)
	}

	agentCtx, cancelAgent := context.WithCancel(context.Background())
	defer cancelAgent()
	go func() {
		if err := agt.Run(agentCtx); err != nil && err != context.Canceled {
			logger.Error(fmt.Sprintf("agent loop stopped: %v", err), err)
		}
	}()
	agt.Start()

	// =========================================================================
	// Start Debug Service
	//
	// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
	// /debug/vars - Added to the default mux by importing the expvar package.

	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)

	go func() {
		if err := http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
			logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
	}()

	// =========================================================================
	// Start Gateway Service

	conninfo := database.ConnInfo(conf)
	hub := echoapi.NewSessionHub(echoapi.SessionDeps{
		NotificationRepo: notifRepo,
		Logger:           logger,
		NewSource: func(userID string) (realtime.Source, error) {
			return realtime.NewPQSource(conninfo, realtime.ChannelForUser(userID), logger)
		},
	})
	defer hub.Close()

	server := echoapi.NewServer(echoapi.ServerDeps{
		Conf:       conf,
		Logger:     logger,
		Hub:        hub,
		PushSvc:    pushSvc,
		Agent:      agt,
		Validate:   validate,
		Translator: translator,
	})

	go func() {
		server.Start()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err = <-server.Errors():
		logger.Fatal(fmt.Sprintf("server error: %v", err), err)

	case sig := <-server.ShutdownSignal():
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))

		// give outstanding requests a deadline for completion
		ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer cancel()

		// asking listener to shutdown and shed load
		if err = server.Shutdown(ctx); err != nil {
			logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

			if err = server.Close(); err != nil {
				logger.Fatal(fmt.Sprintf("could not force stop server: %v", err), err)
			}
		}
	}
}

func setUpDB(conf *core.Config) (*sqlx.DB, error) {
	if err := database.CreateIfNotExist(conf); err != nil {
		return nil, err
	}

	db, err := database.Open(conf)
	if err != nil {
		return nil, err
	}

	if err = database.Ping(db); err != nil {
		return nil, err
	}

	if err = database.Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func newTranslator() ut.Translator {
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	return translator
}
