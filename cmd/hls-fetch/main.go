package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aminofox/zenlive/pkg/config"
	"github.com/aminofox/zenlive/pkg/hls"
	"github.com/aminofox/zenlive/pkg/hls/demux"
	"github.com/aminofox/zenlive/pkg/hls/storage"
	"github.com/aminofox/zenlive/pkg/hls/transport"
	"github.com/aminofox/zenlive/pkg/logger"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	configFile := flag.String("config", "config.yaml", "Path to config file")
	manifestURL := flag.String("url", "", "HLS manifest URL to open")
	manualVariant := flag.Int("variant", -1, "Force a variant index; -1 keeps the config's initial_manual_variant_index (-1 there selects automatic bandwidth-driven switching)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("hls-fetch %s (commit: %s)\n", version, commit)
		return
	}
	if *manifestURL == "" {
		fmt.Fprintln(os.Stderr, "missing -url")
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewDefaultLogger(logger.InfoLevel, "text")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutdown signal received")
		cancel()
	}()

	rt := transport.NewHTTPRoundTripper(cfg.HLSClient.HTTPTimeout)
	opts := hls.Options{ManualIndex: cfg.HLSClient.InitialManualVariantIndex}
	if *manualVariant >= 0 {
		opts.ManualIndex = *manualVariant
	}

	player, err := hls.Open(ctx, *manifestURL, rt, log, demux.NewFrameDemuxer, opts)
	if err != nil {
		log.Error("failed to open stream", logger.Err(err))
		os.Exit(1)
	}
	defer player.Close()

	events := hls.NewEventBus(log)
	player.SetEventBus(events)

	if cfg.HLSClient.SharedKeyCacheEnabled && cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		player.SetSharedKeyCache(hls.NewRedisKeyStore(redisClient, rt, log))
		log.Info("shared key cache enabled", logger.String("redis_addr", cfg.Redis.Address))
	}

	if cfg.HLSClient.SegmentCacheEnabled {
		segCache, err := storage.NewSegmentCache(ctx, storage.Config{
			Region:   cfg.HLSClient.SegmentCacheRegion,
			Bucket:   cfg.HLSClient.SegmentCacheBucket,
			Endpoint: cfg.HLSClient.SegmentCacheEndpoint,
		}, log)
		if err != nil {
			log.Error("failed to create segment cache", logger.Err(err))
		} else {
			player.SetSegmentCache(segCache)
			log.Info("segment cache enabled", logger.String("bucket", cfg.HLSClient.SegmentCacheBucket))
		}
	}

	if serverURI, _, ok := player.SteeringInfo(); ok {
		log.Info("content steering manifest available", logger.String("server_uri", serverURI))
	}

	log.Info("stream opened", logger.String("url", *manifestURL))

	var packets, bytes int64
	start := time.Now()
	for {
		pkt, err := player.ReadPacket(ctx)
		if err != nil {
			if err == hls.ErrSessionEOF || err == hls.ErrAborted {
				break
			}
			log.Error("read failed", logger.Err(err))
			break
		}
		packets++
		bytes += int64(len(pkt.Data))
	}

	log.Info("stream finished",
		logger.Int64("packets", packets),
		logger.Int64("bytes", bytes),
		logger.String("elapsed", time.Since(start).String()))
}
