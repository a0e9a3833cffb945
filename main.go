package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tunelift/api"
	"tunelift/config"
	"tunelift/dispatcher"
	"tunelift/fetcher"
	"tunelift/notifier"
	"tunelift/processor"
	"tunelift/processor/mimetype"
	"tunelift/refiner"
	"tunelift/storage"
	"tunelift/tagger"
	"tunelift/tagger/filestorage"

	"github.com/go-redis/redis"
	"github.com/urfave/cli"
)

var (
	sigCh = make(chan os.Signal, 1)
	cfg   config.Config
)

func main() {
	app := cli.NewApp()
	app.Name = "tunelift"
	app.Usage = "Music request lifecycle service"
	app.HideVersion = true

	configFlag := cli.StringFlag{
		Name:  "config, c",
		Usage: "`FILE` to load config from",
		Value: "config.yml",
	}

	app.Commands = cli.Commands{
		cli.Command{
			Name:  "api",
			Usage: "Start the API web server",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "host",
					Usage: "`HOST` to listen on",
					Value: "0.0.0.0",
				},
				cli.IntFlag{
					Name:  "port, p",
					Usage: "`PORT` to listen on",
					Value: 8000,
				},
				configFlag,
			},
			Action: func(c *cli.Context) error {
				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

				storage, err := storage.New(redisClient("api", cfg.Redis.Addr))
				if err != nil {
					return err
				}

				logger := log.New(os.Stderr, "[api] ", log.Ldate|log.Ltime)
				disp := dispatcher.New(storage,
					dispatcher.NewAdminList(cfg.Dispatcher.Admins),
					cfg.Dispatcher.MaxAttempts,
					logger)
				api := api.New(disp, storage, c.String("host"), c.Int("port"),
					cfg.API.HeartbeatPath, logger)

				go func() {
					logger.Printf("Listening on %s...", api.Server.Addr)
					err := api.Server.ListenAndServe()
					if err != nil && err != http.ErrServerClosed {
						logger.Fatal(err)
					}
				}()

				<-sigCh
				logger.Println("Shutting down gracefully...")
				err = api.Server.Shutdown(context.TODO())
				if err != nil {
					return err
				}
				logger.Println("Bye!")
				return nil
			},
			Before: parseConfig,
		},
		cli.Command{
			Name:  "processor",
			Usage: "Start the request processor",
			Flags: []cli.Flag{configFlag},
			Action: func(c *cli.Context) error {
				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

				storage, err := storage.New(redisClient("processor", cfg.Redis.Addr))
				if err != nil {
					return err
				}
				logger := log.New(os.Stderr, "[processor] ", log.Ldate|log.Ltime)
				disp := dispatcher.New(storage,
					dispatcher.NewAdminList(cfg.Dispatcher.Admins),
					cfg.Dispatcher.MaxAttempts,
					logger)

				ref := refiner.NewHTTP(cfg.Refiner.Endpoint, cfg.Refiner.APIKey,
					cfg.Refiner.Model,
					time.Duration(cfg.Refiner.TimeoutSec)*time.Second)

				f, err := fetcher.New(cfg.Fetcher.Binary, cfg.Fetcher.AudioFormat,
					cfg.Fetcher.AudioQuality, cfg.Fetcher.SearchPrefix,
					cfg.Processor.TempDir,
					time.Duration(cfg.Fetcher.TimeoutSec)*time.Second)
				if err != nil {
					return err
				}

				store, err := libraryStore()
				if err != nil {
					return err
				}

				p, err := processor.New(storage, disp, ref, f, tagger.New(store),
					cfg.Processor.Workers, cfg.Processor.LockFile, logger)
				if err != nil {
					return err
				}
				p.RefineTimeout = time.Duration(cfg.Refiner.TimeoutSec) * time.Second
				if cfg.Processor.StatsInterval > 0 {
					p.StatsIntvl = time.Duration(cfg.Processor.StatsInterval) * time.Millisecond
				}

				validator, err := mimetype.New(mimetype.DefaultAudioPattern)
				if err != nil {
					logger.Println("Audio validation disabled:", err)
				} else {
					p.Validator = validator
					defer validator.Close()
				}

				closeCh := make(chan struct{})
				go p.Start(closeCh)

				<-sigCh
				p.Log.Println("Shutting down...")
				closeCh <- struct{}{}
				p.Log.Println("Waiting for worker pools to finish...")
				<-closeCh
				return nil
			},
			Before: parseConfig,
		},
		cli.Command{
			Name:  "notifier",
			Usage: "Start the status update notifier",
			Flags: []cli.Flag{configFlag},
			Action: func(c *cli.Context) error {
				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

				logger := log.New(os.Stderr, "[notifier] ", log.Ldate|log.Ltime)
				storage, err := storage.New(redisClient("notifier", cfg.Redis.Addr))
				if err != nil {
					return err
				}

				n, err := notifier.New(storage, cfg.Notifier.Concurrency,
					cfg.Notifier.Backend, cfg.Notifier.Destination,
					cfg.Backends[cfg.Notifier.Backend], logger)
				if err != nil {
					return err
				}
				if cfg.Notifier.StatsInterval > 0 {
					n.StatsIntvl = time.Duration(cfg.Notifier.StatsInterval) * time.Millisecond
				}

				closeCh := make(chan struct{})
				errCh := make(chan error, 1)
				go func() {
					errCh <- n.Start(closeCh)
				}()

				select {
				case err := <-errCh:
					return err
				case <-sigCh:
				}
				logger.Println("Shutting down...")
				closeCh <- struct{}{}
				logger.Println("Waiting for the notifier to finish.")
				<-closeCh
				return <-errCh
			},
			Before: parseConfig,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func parseConfig(c *cli.Context) error {
	var err error
	cfg, err = config.Parse(c.String("config"))
	return err
}

// libraryStore builds the configured library storage backend.
func libraryStore() (filestorage.FileStorage, error) {
	switch cfg.Library.Backend {
	case "filesystem":
		fs, err := filestorage.NewFileSystem(cfg.Library.RootDir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "s3":
		s3, err := filestorage.NewAWSS3(cfg.Library.S3Region, cfg.Library.S3Bucket)
		if err != nil {
			return nil, err
		}
		return s3, nil
	}
	return nil, fmt.Errorf("unknown library backend %q", cfg.Library.Backend)
}

func redisClient(name, addr string) *redis.Client {
	setName := func(c *redis.Conn) error {
		ok, err := c.ClientSetName(name).Result()
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("Error setting Redis client name to " + name)
		}
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr, OnConnect: setName})
}
