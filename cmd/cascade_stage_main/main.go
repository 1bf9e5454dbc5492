package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/sbinet/npyio"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/crowsk/cascadeboost/cbl"
	"github.com/crowsk/cascadeboost/logutil"
)

func decodeConfig(srcConfig string, out interface{}) {
	file, err := os.Open(srcConfig)
	cbl.HandleError(err)
	defer func() { cbl.HandleError(file.Close()) }()

	decoder := json.NewDecoder(file)
	cbl.HandleError(decoder.Decode(out))
}

// RepresentationConfig selects how pool rows turn into feature responses.
type RepresentationConfig struct {
	Kind string `json:"kind"` // "pixel" or "npd"
	Rows int    `json:"rows"`
	Cols int    `json:"cols"`
	//quantization range, used when max_cat_count > 0
	Lo float32 `json:"lo"`
	Hi float32 `json:"hi"`
}

func buildRepresentation(cfg RepresentationConfig, maxCatCount int) cbl.Representation {
	var rep cbl.Representation
	switch cfg.Kind {
	case "npd":
		rep = cbl.NewNPDRepresentation(cfg.Rows, cfg.Cols)
	default:
		rep = cbl.PixelRepresentation{Rows: cfg.Rows, Cols: cfg.Cols}
	}
	if maxCatCount > 0 {
		rep = cbl.QuantizedRepresentation{Base: rep, CatCount: maxCatCount, Lo: cfg.Lo, Hi: cfg.Hi}
	}
	return rep
}

type TrainConfig struct {
	FileNameSamples string               `json:"filename_samples"`
	FileNameLabels  string               `json:"filename_labels"`
	FileNameModel   string               `json:"filename_model"`
	FileNameParams  string               `json:"filename_params"`
	Representation  RepresentationConfig `json:"representation"`

	BoostType      string  `json:"boost_type"`
	MinTAR         float32 `json:"min_tar"`
	MaxFAR         float32 `json:"max_far"`
	WeightTrimRate float64 `json:"weight_trim_rate"`
	MaxDepth       int     `json:"max_depth"`
	WeakCount      int     `json:"weak_count"`
	MaxCatCount    int     `json:"max_cat_count"`
	MinSampleCount int     `json:"min_sample_count"`
	Threads        int     `json:"threads"`

	PrecalcValMiB int `json:"precalc_val_mib"`
	PrecalcIdxMiB int `json:"precalc_idx_mib"`
}

func boostTypeFromName(name string) cbl.BoostType {
	switch name {
	case "discrete":
		return cbl.Discrete
	case "real":
		return cbl.Real
	case "logit":
		return cbl.Logit
	default:
		return cbl.Gentle
	}
}

func train(srcConfig string, logger *zap.Logger) {
	var trainConfig TrainConfig
	decodeConfig(srcConfig, &trainConfig)

	params := cbl.DefaultBoostParams()
	params.BoostType = boostTypeFromName(trainConfig.BoostType)
	params.MinTAR = trainConfig.MinTAR
	params.MaxFAR = trainConfig.MaxFAR
	params.WeightTrimRate = trainConfig.WeightTrimRate
	params.MaxDepth = trainConfig.MaxDepth
	params.WeakCount = trainConfig.WeakCount
	params.MaxCatCount = trainConfig.MaxCatCount
	params.MinSampleCount = trainConfig.MinSampleCount
	if trainConfig.Threads > 0 {
		params.Threads = trainConfig.Threads
	} else {
		params.Threads = runtime.NumCPU()
	}

	rep := buildRepresentation(trainConfig.Representation, params.MaxCatCount)
	storage, err := cbl.ReadStorage(rep, trainConfig.FileNameSamples, trainConfig.FileNameLabels)
	cbl.HandleError(err)

	logger.Info("training cascade stage",
		zap.Int("samples", storage.NumSamples()),
		zap.Int("features", storage.NumFeatures()),
		zap.String("boostType", params.BoostType.String()),
	)

	clf, err := cbl.Train(storage, storage.NumSamples(),
		trainConfig.PrecalcValMiB, trainConfig.PrecalcIdxMiB, params, logger)
	cbl.HandleError(err)

	cbl.HandleError(clf.Save(trainConfig.FileNameModel))
	if trainConfig.FileNameParams != "" {
		dst, err := os.Create(trainConfig.FileNameParams)
		cbl.HandleError(err)
		cbl.HandleError(params.Store(dst))
		cbl.HandleError(dst.Close())
	}

	logger.Info("stage trained",
		zap.Int("weakCount", len(clf.WeakTrees())),
		zap.Float32("stageThreshold", clf.Threshold()),
	)
}

type PredictConfig struct {
	FileNameSamples string               `json:"filename_samples"`
	FileNameLabels  string               `json:"filename_labels"`
	FileNameModel   string               `json:"filename_model"`
	FileNameParams  string               `json:"filename_params"`
	FileNameScores  string               `json:"filename_scores"`
	Representation  RepresentationConfig `json:"representation"`
}

func predict(srcConfig string, logger *zap.Logger) {
	var predictConfig PredictConfig
	decodeConfig(srcConfig, &predictConfig)

	params := cbl.DefaultBoostParams()
	if predictConfig.FileNameParams != "" {
		src, err := os.Open(predictConfig.FileNameParams)
		cbl.HandleError(err)
		cbl.HandleError(params.Load(src))
		cbl.HandleError(src.Close())
	}

	rep := buildRepresentation(predictConfig.Representation, params.MaxCatCount)
	storage, err := cbl.ReadStorage(rep, predictConfig.FileNameSamples, predictConfig.FileNameLabels)
	cbl.HandleError(err)

	clf, err := cbl.Load(predictConfig.FileNameModel, storage, params)
	cbl.HandleError(err)

	n := storage.NumSamples()
	scores := mat.NewDense(n, 1, nil)
	accepted := 0
	for i := 0; i < n; i++ {
		s, err := clf.Predict(i, true)
		cbl.HandleError(err)
		scores.Set(i, 0, float64(s))
		if s >= 0 {
			accepted++
		}
	}
	logger.Info("scored pool", zap.Int("samples", n), zap.Int("accepted", accepted))

	dst, err := os.Create(predictConfig.FileNameScores)
	cbl.HandleError(err)
	defer func() { cbl.HandleError(dst.Close()) }()
	cbl.HandleError(npyio.Write(dst, scores))
}

type GraphConfig struct {
	FileNameModel     string               `json:"filename_model"`
	FileNameParams    string               `json:"filename_params"`
	FigureType        string               `json:"figure_type"`
	PicturesDirectory string               `json:"pictures_directory"`
	DumpPrefix        string               `json:"dump_prefix"`
	Representation    RepresentationConfig `json:"representation"`
}

func graph(srcConfig string, logger *zap.Logger) {
	var graphConfig GraphConfig
	decodeConfig(srcConfig, &graphConfig)

	params := cbl.DefaultBoostParams()
	if graphConfig.FileNameParams != "" {
		src, err := os.Open(graphConfig.FileNameParams)
		cbl.HandleError(err)
		cbl.HandleError(params.Load(src))
		cbl.HandleError(src.Close())
	}

	rep := buildRepresentation(graphConfig.Representation, params.MaxCatCount)
	storage, err := cbl.NewDataStorage(rep, 1)
	cbl.HandleError(err)

	clf, err := cbl.Load(graphConfig.FileNameModel, storage, params)
	cbl.HandleError(err)
	cbl.HandleError(clf.RenderTrees(graphConfig.DumpPrefix, graphConfig.FigureType, graphConfig.PicturesDirectory))
	logger.Info("rendered trees", zap.Int("weakCount", len(clf.WeakTrees())))
}

func main() {
	runMode := flag.String("mode", "train", "you can select either 'train', 'predict' or 'graph' modes")
	config := flag.String("config", "stage_config.json", "a config file for the run of the program")
	logFile := flag.String("logfile", "", "tee the log into this file")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	memprofile := flag.String("memprofile", "", "write memory profile to `file`")

	flag.Parse()

	logger := logutil.New(*logFile, *verbose)
	defer func() { _ = logger.Sync() }()

	modes := map[string]func(string, *zap.Logger){
		"train":   train,
		"predict": predict,
		"graph":   graph,
	}
	run, ok := modes[*runMode]
	if !ok {
		log.Fatalf("unknown mode %q", *runMode)
	}
	run(*config, logger)

	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		cbl.HandleError(err)
		defer func() { cbl.HandleError(f.Close()) }()
		runtime.GC()
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal("could not write memory profile: ", err)
		}
	}
}
