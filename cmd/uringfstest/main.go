//go:build linux
// +build linux

package main

import (
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "net/http/pprof"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"github.com/zeebo/xxh3"

	"github.com/Meesho/BharatMLStack/uringfs/internal/fs"
	"github.com/Meesho/BharatMLStack/uringfs/internal/uring"
	"github.com/Meesho/BharatMLStack/uringfs/pkg/metrics"
)

var (
	dir             string
	numFiles        int
	fileSize        int
	writeChunkKB    int
	readChunkKB     int
	writePoolMB     int
	readPoolMB      int
	registerBuffers bool
	sharedSqpoll    bool
	pprofAddr       string
)

func parseFlags() {
	flag.StringVar(&dir, "dir", "/mnt/disks/nvme/uringfstest", "data directory")
	flag.IntVar(&numFiles, "files", 64, "number of files to create/read")
	flag.IntVar(&fileSize, "file-size", 8*1024*1024, "size of each file in bytes")
	flag.IntVar(&writeChunkKB, "write-chunk-kb", 512, "write op size in KiB")
	flag.IntVar(&readChunkKB, "read-chunk-kb", 1024, "read op size in KiB")
	flag.IntVar(&writePoolMB, "write-pool-mb", 16, "creator buffer pool in MiB")
	flag.IntVar(&readPoolMB, "read-pool-mb", 8, "reader buffer pool in MiB")
	flag.BoolVar(&registerBuffers, "register-buffers", false, "register buffer pools with the kernel")
	flag.BoolVar(&sharedSqpoll, "shared-sqpoll", false, "share one kernel submission thread between engines")
	flag.StringVar(&pprofAddr, "pprof", ":8080", "pprof listen address, empty to disable")
	flag.Parse()
}

// fileContents returns the deterministic content stream of file i, so the
// read plan can verify checksums without keeping the data around.
func fileContents(i int) io.Reader {
	return io.LimitReader(rand.New(rand.NewSource(int64(i)+1)), int64(fileSize))
}

func fileName(i int) string {
	return fmt.Sprintf("uringfs_%06d", i)
}

func expectedDigest(i int) uint64 {
	h := xxh3.New()
	if _, err := io.Copy(h, fileContents(i)); err != nil {
		log.Fatal().Err(err).Msg("digest stream failed")
	}
	return h.Sum64()
}

func sharedPoll() *uring.SharedPollRing {
	if !sharedSqpoll {
		return nil
	}
	sp, err := uring.NewSharedPollRing()
	if err != nil {
		log.Fatal().Err(err).Msg("shared sqpoll ring init failed (needs CAP_SYS_NICE on older kernels)")
	}
	return sp
}

func planCreate() {
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Fatal().Err(err).Msgf("mkdir %s", dir)
	}
	dirFile, err := os.Open(dir)
	if err != nil {
		log.Fatal().Err(err).Msg("open data directory")
	}
	defer dirFile.Close()

	sp := sharedPoll()
	if sp != nil {
		defer sp.Close()
	}

	var completions int
	creator, err := fs.NewFileCreator(fs.CreatorConfig{
		IoChunkSize:     writeChunkKB * 1024,
		PoolCapacity:    writePoolMB * 1024 * 1024,
		RegisterBuffers: registerBuffers,
		SharedPoll:      sp,
	}, func(fi *fs.FileInfo) {
		completions++
	})
	if err != nil {
		log.Fatal().Err(err).Msg("file creator init failed")
	}

	start := time.Now()
	for i := 0; i < numFiles; i++ {
		err := creator.ScheduleCreateAtDir(fileName(i), fs.FILE_MODE, dirFile, fileContents(i))
		if err != nil {
			log.Fatal().Err(err).Msgf("schedule create %s", fileName(i))
		}
	}
	if err := creator.Drain(); err != nil {
		log.Fatal().Err(err).Msg("creator drain failed")
	}
	elapsed := time.Since(start)
	if err := creator.Close(); err != nil {
		log.Fatal().Err(err).Msg("creator close failed")
	}

	totalBytes := int64(numFiles) * int64(fileSize)
	log.Info().Msgf("created %d files (%d callbacks), %d MiB in %s (%.0f MiB/s)",
		numFiles, completions, totalBytes>>20, elapsed,
		float64(totalBytes)/(1024*1024)/elapsed.Seconds())
	metrics.Count(metrics.KEY_FILES_CREATED, int64(numFiles), nil)
	metrics.Count(metrics.KEY_BYTES_WRITTEN, totalBytes, nil)
	metrics.Timing(metrics.KEY_DRAIN_LATENCY, elapsed, nil)
}

func planRead() {
	sp := sharedPoll()
	if sp != nil {
		defer sp.Close()
	}

	reader, err := fs.NewSequentialReader(fs.ReaderConfig{
		IoChunkSize:     readChunkKB * 1024,
		PoolCapacity:    readPoolMB * 1024 * 1024,
		RegisterBuffers: registerBuffers,
		SharedPoll:      sp,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("sequential reader init failed")
	}
	defer reader.Close()

	start := time.Now()
	var totalBytes int64
	for i := 0; i < numFiles; i++ {
		if err := reader.SetPath(filepath.Join(dir, fileName(i))); err != nil {
			log.Fatal().Err(err).Msgf("prefetch %s", fileName(i))
		}
	}
	for i := 0; i < numFiles; i++ {
		h := xxh3.New()
		for {
			buf, err := reader.FillBuf()
			if err != nil {
				log.Fatal().Err(err).Msgf("read %s", fileName(i))
			}
			if len(buf) == 0 {
				break
			}
			h.Write(buf)
			totalBytes += int64(len(buf))
			reader.Consume(len(buf))
		}
		if got, want := h.Sum64(), expectedDigest(i); got != want {
			log.Fatal().Msgf("checksum mismatch for %s: got %016x, want %016x", fileName(i), got, want)
		}
		if err := reader.MoveToNextFile(); err != nil {
			log.Fatal().Err(err).Msgf("move past %s", fileName(i))
		}
	}
	elapsed := time.Since(start)

	log.Info().Msgf("read and verified %d files, %d MiB in %s (%.0f MiB/s)",
		numFiles, totalBytes>>20, elapsed,
		float64(totalBytes)/(1024*1024)/elapsed.Seconds())
	metrics.Count(metrics.KEY_FILES_READ, int64(numFiles), nil)
	metrics.Count(metrics.KEY_BYTES_READ, totalBytes, nil)
}

func main() {
	parseFlags()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	viper.AutomaticEnv()
	viper.SetDefault("APP_NAME", "uringfstest")
	viper.SetDefault("APP_ENV", "dev")
	viper.SetDefault("APP_METRIC_SAMPLING_RATE", 1.0)
	metrics.Init()

	if pprofAddr != "" {
		go func() {
			log.Info().Msgf("starting pprof server on %s", pprofAddr)
			if err := http.ListenAndServe(pprofAddr, nil); err != nil {
				log.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}

	plan := os.Getenv("PLAN")
	if plan == "" {
		plan = "roundtrip"
	}
	switch plan {
	case "create":
		planCreate()
	case "read":
		planRead()
	case "roundtrip":
		planCreate()
		planRead()
	default:
		panic("invalid plan")
	}
}
