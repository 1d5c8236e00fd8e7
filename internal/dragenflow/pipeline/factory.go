package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/dragenflow/dragenflow/internal/common/flowerrors"
	"github.com/dragenflow/dragenflow/internal/dragenflow/command"
	"github.com/dragenflow/dragenflow/internal/dragenflow/model"
)

const (
	queuedAtLayout = "20060102150405"

	rtaCompleteFile = "RTAComplete.txt"
	fastqListFile   = "fastq_list.csv"

	SequencingRunCompleteState = "SequencingRunComplete"
	DemultiplexState           = "Demultiplex"
	AlignmentState             = "Alignment"
	AggregationState           = "Aggregation"
	FingerprintState           = "Fingerprint"
	DataReviewState            = "DataReview"
	UploadState                = "Upload"
)

// Definition is everything needed to create a machine.
type Definition struct {
	Name   string
	States []model.StateDefinition
}

// Factory lays out the standard machines. Output folders are stamped with the time the machine was requested so
// that repeating a request never writes over an earlier attempt.
type Factory struct {
	config  Config
	builder *command.Builder
	clock   clock.Clock
}

func NewFactory(config Config, builder *command.Builder, clock clock.Clock) *Factory {
	return &Factory{
		config:  config,
		builder: builder,
		clock:   clock,
	}
}

// SequencingRunMachine waits for the sequencer to finish the run, demultiplexes it and then aligns every sample.
func (f *Factory) SequencingRunMachine(request *RunRequest) (*Definition, error) {
	if err := request.Validate(); err != nil {
		return nil, err
	}
	reference, err := f.reference(request.Reference)
	if err != nil {
		return nil, err
	}
	analysisDir := filepath.Join(f.config.AnalysisRoot, request.RunName, f.queuedAt())
	fastqDir := filepath.Join(analysisDir, "fastq")
	rtaComplete := filepath.Join(request.RunDirectory, rtaCompleteFile)

	sequencingComplete := model.StateDefinition{
		Name: SequencingRunCompleteState,
		Tasks: []model.TaskSpec{{
			Name:        "Waiting for " + rtaCompleteFile + " " + rtaComplete,
			Kind:        model.KindWaitForFile,
			WaitForFile: &model.WaitForFileParams{Path: rtaComplete},
		}},
	}

	demultiplex := model.StateDefinition{
		Name:      DemultiplexState,
		Partition: f.config.Partition,
		Tasks: []model.TaskSpec{{
			Name: "Demultiplex_" + request.RunName,
			Kind: model.KindDemultiplex,
			Demultiplex: &command.DemultiplexParams{
				InputDir:    request.RunDirectory,
				OutputDir:   fastqDir,
				SampleSheet: request.SampleSheet,
				Force:       request.Force,
			},
		}},
		ExitTask: metricsTask("Demultiplex_Metrics_"+request.RunName, f.config.DemultiplexMetricsCommand, fastqDir),
	}

	alignment := model.StateDefinition{
		Name:      AlignmentState,
		Partition: f.config.Partition,
		ExitTask:  metricsTask("Alignment_Metrics_"+request.RunName, f.config.AlignmentMetricsCommand, fastqDir),
	}
	coverageRegion := ""
	if len(reference.CoverageBedFiles) > 0 {
		coverageRegion = reference.CoverageBedFiles[0]
	}
	fastqList := filepath.Join(fastqDir, "Reports", fastqListFile)
	for _, sample := range request.Samples {
		sampleId := sample.Id
		if sampleId == "" {
			sampleId = sample.Name
		}
		alignment.Tasks = append(alignment.Tasks, model.TaskSpec{
			Name: fmt.Sprintf("Align_%s_%d_%s", request.Flowcell, sample.Lane, sample.Name),
			Kind: model.KindAlign,
			Align: &command.AlignParams{
				ReferenceDir:           reference.Path,
				FastqList:              fastqList,
				FastqListSampleId:      sampleId,
				OutputDir:              filepath.Join(fastqDir, sample.Name),
				IntermediateResultsDir: f.config.IntermediateResultsDir,
				OutputFilePrefix:       sample.Name,
				VcSampleName:           sample.Name,
				CrossContaminationVcf:  reference.ContaminationFile,
				CoverageRegion:         coverageRegion,
				SampleSex:              strings.ToUpper(strings.TrimSpace(sample.Sex)),
			},
		})
	}

	return &Definition{
		Name:   "Run_" + request.RunName,
		States: []model.StateDefinition{sequencingComplete, demultiplex, alignment},
	}, nil
}

// AggregationMachine aggregates a sample into a single cram, checks its fingerprint, waits for a person to review
// the data and then uploads the cram.
func (f *Factory) AggregationMachine(request *AggregationRequest) (*Definition, error) {
	if err := request.Validate(); err != nil {
		return nil, err
	}
	reference, err := f.reference(request.Reference)
	if err != nil {
		return nil, err
	}
	sampleKey := request.SampleKey
	outputDir := filepath.Join(f.config.AggregationRoot, sampleKey, f.queuedAt())
	fastqList := request.FastqList
	if fastqList == "" {
		fastqList = filepath.Join(outputDir, fastqListFile)
	}
	prefix := request.OutputFilePrefix
	if prefix == "" {
		prefix = sampleKey
	}
	cram := filepath.Join(outputDir, prefix+".cram")

	aggregation := model.StateDefinition{
		Name:      AggregationState,
		Partition: f.config.Partition,
		Tasks: []model.TaskSpec{{
			Name: "Agg_" + sampleKey,
			Kind: model.KindAggregate,
			Aggregate: &command.AggregateParams{
				ReferenceDir:           reference.Path,
				FastqList:              fastqList,
				FastqListSampleId:      sampleKey,
				OutputDir:              outputDir,
				IntermediateResultsDir: f.config.IntermediateResultsDir,
				OutputFilePrefix:       prefix,
				VcSampleName:           sampleKey,
				CrossContaminationVcf:  reference.ContaminationFile,
				CoverageRegions:        append([]string{}, reference.CoverageBedFiles...),
				ConfigFile:             request.ConfigFile,
			},
		}},
		ExitTask: metricsTask("AggMetric_"+sampleKey, f.config.AggregationMetricsCommand, outputDir),
	}

	fingerprint, err := f.builder.Fingerprint(command.FingerprintParams{
		CramFile:          cram,
		VcfFile:           filepath.Join(outputDir, prefix+".vcf.gz"),
		HaplotypeDatabase: reference.HaplotypeDatabase,
		OutputPrefix:      filepath.Join(outputDir, prefix),
		ReferenceFile:     reference.Fasta,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "fingerprint")
	}
	upload, err := f.builder.Upload(cram, f.config.GsBucket)
	if err != nil {
		return nil, errors.WithMessage(err, "upload")
	}

	instructions := request.ReviewInstructions
	if instructions == "" {
		instructions = "Review the aggregation metrics and fingerprint of " + sampleKey + " in " + outputDir
	}
	return &Definition{
		Name: "Agg_" + sampleKey,
		States: []model.StateDefinition{
			aggregation,
			{
				Name:      FingerprintState,
				Partition: f.config.Partition,
				Tasks:     []model.TaskSpec{genericTask("FP_"+sampleKey, fingerprint)},
			},
			{
				Name: DataReviewState,
				Tasks: []model.TaskSpec{{
					Name:          DataReviewState + "_" + sampleKey,
					Kind:          model.KindWaitForReview,
					WaitForReview: &model.WaitForReviewParams{Instructions: instructions},
				}},
			},
			{
				Name:      UploadState,
				Partition: f.config.Partition,
				Tasks:     []model.TaskSpec{genericTask("Upload_"+sampleKey, upload)},
			},
		},
	}, nil
}

func (f *Factory) reference(name string) (Reference, error) {
	if name == "" {
		name = f.config.DefaultReference
	}
	reference, ok := f.config.References[name]
	if !ok {
		return Reference{}, errors.WithStack(&flowerrors.ErrNotFound{Type: "reference", Value: name})
	}
	return reference, nil
}

func (f *Factory) queuedAt() string {
	return f.clock.Now().UTC().Format(queuedAtLayout)
}

func genericTask(name string, params command.GenericParams) model.TaskSpec {
	return model.TaskSpec{
		Name:    name,
		Kind:    model.KindProcessGeneric,
		Generic: &params,
	}
}

func metricsTask(name string, metricsCommand []string, dir string) *model.TaskSpec {
	if len(metricsCommand) == 0 {
		return nil
	}
	args := append(append([]string{}, metricsCommand[1:]...), dir)
	task := genericTask(name, command.GenericParams{Tool: metricsCommand[0], Args: args})
	return &task
}
