// Command dimseserver runs a demonstration DICOM SCP: it keeps an
// in-memory instance store and answers Verification, Storage, Find, Move
// and Get against it.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/dimsenet/dimsenet/assoc"
	"github.com/dimsenet/dimsenet/codec"
	"github.com/dimsenet/dimsenet/dicom"
	"github.com/dimsenet/dimsenet/dicomserver"
	"github.com/dimsenet/dimsenet/dimsemsg"
	"github.com/dimsenet/dimsenet/service"
	"github.com/dimsenet/dimsenet/sopclass"
)

var (
	tagSOPClassUID    = dicom.Tag{Group: 0x0008, Element: 0x0016}
	tagSOPInstanceUID = dicom.Tag{Group: 0x0008, Element: 0x0018}
	tagStudyUID       = dicom.Tag{Group: 0x0020, Element: 0x000D}
	tagSeriesUID      = dicom.Tag{Group: 0x0020, Element: 0x000E}
)

// storedInstance is one composite instance held by the demo store.
type storedInstance struct {
	SOPClassUID    string
	SOPInstanceUID string
	StudyUID       string
	SeriesUID      string
	Data           []byte
}

// instanceStore is the in-memory backend the demo handlers query.
type instanceStore struct {
	mu        sync.RWMutex
	instances map[string]*storedInstance
	logger    zerolog.Logger
}

func newInstanceStore(logger zerolog.Logger) *instanceStore {
	return &instanceStore{instances: make(map[string]*storedInstance), logger: logger}
}

func (s *instanceStore) add(inst *storedInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.SOPInstanceUID] = inst
}

// match selects instances by the narrowest UID present in the identifier.
func (s *instanceStore) match(identifier []byte) []*storedInstance {
	ds, err := dicom.ParseDataset(identifier)
	if err != nil {
		return nil
	}
	studyUID := ds.GetString(tagStudyUID)
	seriesUID := ds.GetString(tagSeriesUID)
	sopUID := ds.GetString(tagSOPInstanceUID)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storedInstance
	for _, inst := range s.instances {
		switch {
		case sopUID != "":
			if inst.SOPInstanceUID == sopUID {
				out = append(out, inst)
			}
		case seriesUID != "":
			if inst.SeriesUID == seriesUID {
				out = append(out, inst)
			}
		case studyUID != "":
			if inst.StudyUID == studyUID {
				out = append(out, inst)
			}
		default:
			out = append(out, inst)
		}
	}
	return out
}

func (s *instanceStore) findHandler(_ context.Context, req service.FindRequest) (service.FindResults, error) {
	matches := s.match(req.Identifier)
	return func(yield func(service.FindResult) bool) {
		for _, inst := range matches {
			ds := dicom.NewDataset()
			ds.AddElement(tagSOPClassUID, dicom.VR_UI, inst.SOPClassUID)
			ds.AddElement(tagSOPInstanceUID, dicom.VR_UI, inst.SOPInstanceUID)
			ds.AddElement(tagStudyUID, dicom.VR_UI, inst.StudyUID)
			ds.AddElement(tagSeriesUID, dicom.VR_UI, inst.SeriesUID)
			encoded, err := dicom.EncodeDatasetWithTransferSyntax(ds, sopclass.ExplicitVRLittleEndian)
			if err != nil {
				s.logger.Warn().Err(err).Msg("failed to encode match")
				continue
			}
			if !yield(service.FindResult{Status: dimsemsg.StatusPending, Identifier: encoded}) {
				return
			}
		}
	}, nil
}

func (s *instanceStore) subOps(matches []*storedInstance) func(func(service.SubOpResult) bool) {
	return func(yield func(service.SubOpResult) bool) {
		for _, inst := range matches {
			if !yield(service.SubOpResult{
				Status:                 dimsemsg.StatusPending,
				AffectedSOPClassUID:    inst.SOPClassUID,
				AffectedSOPInstanceUID: inst.SOPInstanceUID,
				Dataset:                inst.Data,
			}) {
				return
			}
		}
	}
}

func (s *instanceStore) moveHandler(_ context.Context, req service.FindRequest) (service.MoveProgram, error) {
	matches := s.match(req.Identifier)
	// Destination is named by AE title only; the server's directory
	// resolves it to an address.
	return service.MoveProgram{
		Destination: service.MoveDestination{Known: true},
		Total:       len(matches),
		SubOps:      s.subOps(matches),
	}, nil
}

func (s *instanceStore) getHandler(_ context.Context, req service.FindRequest) (service.GetProgram, error) {
	matches := s.match(req.Identifier)
	return service.GetProgram{Total: len(matches), SubOps: s.subOps(matches)}, nil
}

func (s *instanceStore) storeHandler(_ context.Context, req service.StorageRequest) (uint16, error) {
	ds, err := dicom.ParseDataset(req.Dataset)
	if err != nil {
		return 0, err
	}
	s.add(&storedInstance{
		SOPClassUID:    req.AffectedSOPClassUID,
		SOPInstanceUID: req.AffectedSOPInstanceUID,
		StudyUID:       ds.GetString(tagStudyUID),
		SeriesUID:      ds.GetString(tagSeriesUID),
		Data:           req.Dataset,
	})
	s.logger.Info().
		Str("sop_instance", req.AffectedSOPInstanceUID).
		Int("size_bytes", len(req.Dataset)).
		Msg("stored instance")
	return dimsemsg.StatusSuccess, nil
}

// loadFile reads a DICOM Part 10 file into the store, indexing it by the
// UIDs in its dataset. The Part 10 wrapper is stripped before storage so
// the bytes are ready for C-STORE sub-operations.
func (s *instanceStore) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	ds, err := codec.Decode(raw)
	if err != nil {
		return err
	}
	firstString := func(tg tag.Tag) string {
		elem, err := ds.FindElementByTag(tg)
		if err != nil {
			return ""
		}
		if values, ok := elem.Value.GetValue().([]string); ok && len(values) > 0 {
			return values[0]
		}
		return ""
	}
	body, err := dicom.StripPart10Header(raw)
	if err != nil {
		return err
	}
	inst := &storedInstance{
		SOPClassUID:    firstString(tag.SOPClassUID),
		SOPInstanceUID: firstString(tag.SOPInstanceUID),
		StudyUID:       firstString(tag.StudyInstanceUID),
		SeriesUID:      firstString(tag.SeriesInstanceUID),
		Data:           body,
	}
	s.add(inst)
	s.logger.Info().
		Str("file", path).
		Str("sop_instance", inst.SOPInstanceUID).
		Int("size_bytes", len(body)).
		Msg("loaded instance")
	return nil
}

func (s *instanceStore) register(d *service.Dispatcher) {
	d.Verification.Register(sopclass.VerificationSOPClass,
		func(context.Context, service.VerificationRequest) (uint16, error) {
			return dimsemsg.StatusSuccess, nil
		})
	for _, uid := range sopclass.StorageSOPClasses() {
		d.Storage.Register(uid, s.storeHandler)
	}
	for _, uid := range []string{
		sopclass.StudyRootQueryRetrieveInformationModelFind,
		sopclass.PatientRootQueryRetrieveInformationModelFind,
		sopclass.ModalityWorklistInformationModelFind,
	} {
		d.Find.Register(uid, s.findHandler)
	}
	for _, uid := range []string{
		sopclass.StudyRootQueryRetrieveInformationModelMove,
		sopclass.PatientRootQueryRetrieveInformationModelMove,
	} {
		d.Move.Register(uid, s.moveHandler)
	}
	for _, uid := range []string{
		sopclass.StudyRootQueryRetrieveInformationModelGet,
		sopclass.PatientRootQueryRetrieveInformationModelGet,
		sopclass.CompositeInstanceRetrieveWithoutBulkDataGet,
	} {
		d.Get.Register(uid, s.getHandler)
	}
}

func run(c *cli.Context) error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if c.Bool("debug") {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	var cfg *dicomserver.Config
	if path := c.String("config"); path != "" {
		loaded, err := dicomserver.LoadConfig(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	} else {
		cfg = &dicomserver.Config{AETitle: c.String("ae"), Listen: c.String("listen")}
	}

	store := newInstanceStore(logger)
	for _, path := range c.StringSlice("load") {
		if err := store.loadFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	dispatcher := service.NewDispatcher()
	dispatcher.Logger = logger
	store.register(dispatcher)

	metrics := dicomserver.NewMetrics()
	if addr := c.String("metrics"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Warn().Err(err).Msg("metrics listener stopped")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	directory := cfg.Directory()
	if peers := c.StringSlice("remote"); len(peers) > 0 {
		for _, p := range peers {
			var e assoc.AEEntry
			if _, err := fmt.Sscanf(p, "%s %s %d", &e.AETitle, &e.Address, &e.Port); err == nil {
				directory.Add(e)
			}
		}
	}

	err := dicomserver.ListenAndServe(ctx, cfg.Listen, cfg.AETitle, dispatcher,
		dicomserver.WithLogger(logger),
		dicomserver.WithACSETimeout(cfg.ACSETimeout),
		dicomserver.WithDIMSETimeout(cfg.DIMSETimeout),
		dicomserver.WithMaxPDULength(cfg.MaxPDULength),
		dicomserver.WithDirectory(directory),
		dicomserver.WithMetrics(metrics),
	)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Info().Msg("server shutdown complete")
		return nil
	default:
		return err
	}
}

func main() {
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "dimseserver",
		Usage: "run a demonstration DICOM SCP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to YAML config", EnvVars: []string{"DIMSESERVER_CONFIG"}},
			&cli.StringFlag{Name: "listen", Value: ":11112", Usage: "listen address", EnvVars: []string{"DIMSESERVER_LISTEN"}},
			&cli.StringFlag{Name: "ae", Value: "DIMSENET", Usage: "server AE title", EnvVars: []string{"DIMSESERVER_AE"}},
			&cli.StringFlag{Name: "metrics", Usage: "prometheus listen address (empty disables)", EnvVars: []string{"DIMSESERVER_METRICS"}},
			&cli.StringSliceFlag{Name: "remote", Usage: "remote AE as 'TITLE address port'"},
			&cli.StringSliceFlag{Name: "load", Usage: "DICOM Part 10 file to preload into the store"},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
