package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"lazyimage/internal/animation"
	"lazyimage/internal/cache"
	"lazyimage/internal/codec"
	"lazyimage/internal/config"
	httphandlers "lazyimage/internal/http"
	"lazyimage/internal/image_list"
	"lazyimage/internal/image_renderer"
	"lazyimage/internal/logger"
	"lazyimage/internal/resample"
	"lazyimage/internal/resample/vipsresample"
	"lazyimage/internal/responsecache"
	"lazyimage/internal/trace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	resampler, err := newResampler(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize resampler", zap.Error(err))
	}
	if cfg.Resampler == "vips" {
		defer vips.Shutdown()
	}

	log.Info("Starting lazyimage server",
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.String("resampler", resampler.Name()),
		zap.Int("decode_cache_mb", cfg.DecodeCacheMB),
	)

	codecs := codec.Default()
	scanner := image_list.New(cfg.DataDir, codecs, log)
	if err := scanner.Scan(); err != nil {
		log.Warn("Initial scan failed", zap.Error(err))
	}

	responses, err := responsecache.NewCache(cfg.CacheType, cfg.CacheFileDir, cfg.ResponseCacheEntries, log)
	if err != nil {
		log.Fatal("Failed to initialize cache", zap.Error(err))
	}
	decodes := cache.New(cache.Options{
		MaxBytes:   cfg.DecodeCacheBytes(),
		MaxEntries: cfg.DecodeCacheEntries,
	}, log)

	policy, _ := animation.ParsePolicy(cfg.AnimationPolicy)
	idle, _ := cfg.AnimationIdleAfter()
	runner := animation.NewTaskRunner(64)

	renderer := image_renderer.New(image_renderer.Options{
		Scanner:   scanner,
		Responses: responses,
		Decodes:   decodes,
		Codecs:    codecs,
		Resampler: resampler,
		Policy: cache.PolicyOptions{
			SmallArea:       cfg.SmallArea,
			LargeArea:       cfg.LargeArea,
			RepeatThreshold: cfg.RepeatThreshold,
		},
		MaxTargetPixels: cfg.MaxTargetPixels,
		Tracer:          trace.NewLogTracer(log),
		Runner:          runner,
		AnimationPolicy: policy,
		AnimationIdle:   idle,
		Logger:          log,
	})

	handlers := httphandlers.New(cfg, log, scanner, renderer)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if every, _ := cfg.PruneEvery(); every > 0 {
		go pruneLoop(ctx, decodes, every, log)
	}
	if cfg.WarmupSize > 0 {
		go warmupThumbnails(ctx, cfg.WarmupSize, cfg.WarmupWorkers, scanner, renderer, log)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handlers.Routes(),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	renderer.Close()
	runner.Close()

	log.Info("Server stopped", zap.Any("decode_cache", decodes.Stats()))
}

func newResampler(cfg *config.Config, log *zap.Logger) (resample.Resampler, error) {
	if cfg.Resampler != "vips" {
		return resample.ByName(cfg.Resampler)
	}

	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      cfg.VipsMaxCacheMB * 1024 * 1024, // Convert MB to bytes
		MaxCacheFiles:    0,                                // Disable disk cache
		MaxCacheSize:     0,                                // Disable disk cache
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.VipsMaxCacheMB),
		zap.Int("concurrency", cfg.VipsConcurrency),
	)
	return vipsresample.New(), nil
}

// pruneLoop trims the decode cache back to its limits. Entries released
// while the cache was over capacity are only evicted here or on the next
// insert.
func pruneLoop(ctx context.Context, decodes *cache.DecodeCache, every time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := decodes.Prune(); n > 0 {
				log.Debug("Pruned decode cache", zap.Int("evicted", n))
			}
		}
	}
}

func warmupThumbnails(ctx context.Context, size int, workerLimit int, scanner *image_list.Scanner, renderer *image_renderer.Renderer, log *zap.Logger) {
	images := scanner.GetImages()
	if len(images) == 0 {
		return
	}

	log.Info("Starting thumbnail warmup", zap.Int("size", size), zap.Int("images", len(images)))

	if workerLimit <= 0 {
		workerLimit = 1
	}

	workerChan := make(chan struct{}, workerLimit)
	var wg sync.WaitGroup

	for _, img := range images {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		workerChan <- struct{}{} // Acquire worker slot

		go func(imageID string) {
			defer wg.Done()
			defer func() { <-workerChan }() // Release worker slot

			thumb, err := renderer.FitWithin(imageID, size)
			if err == nil {
				frame := 0
				_, err = renderer.RenderFragment(ctx, image_renderer.FragmentRequest{
					ImageID: imageID,
					Width:   thumb.W,
					Height:  thumb.H,
					Frame:   &frame,
				})
			}
			if err != nil {
				log.Debug("Warmup thumbnail failed", zap.String("image", imageID), zap.Error(err))
			}
		}(img.ID)
	}

	wg.Wait()
	log.Info("Thumbnail warmup completed")
}
