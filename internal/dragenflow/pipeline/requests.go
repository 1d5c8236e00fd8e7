package pipeline

import (
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"
)

// RunRequest asks for a sequencing run to be demultiplexed and each of its samples aligned once the sequencer has
// finished writing the run folder.
type RunRequest struct {
	RunName      string `yaml:"runName" validate:"required"`
	RunDirectory string `yaml:"runDirectory" validate:"required"`
	Flowcell     string `yaml:"flowcell" validate:"required"`
	SampleSheet  string `yaml:"sampleSheet" validate:"required"`
	// Defaults to the configured default reference
	Reference string      `yaml:"reference"`
	Samples   []RunSample `yaml:"samples" validate:"required,min=1,dive"`
	// Overwrite an existing demultiplex output folder
	Force bool `yaml:"force"`
}

type RunSample struct {
	Name string `yaml:"name" validate:"required"`
	// Sample id in the fastq list, defaults to Name
	Id   string `yaml:"id"`
	Lane int    `yaml:"lane" validate:"gte=1"`
	Sex  string `yaml:"sex"`
}

// AggregationRequest asks for all of a sample's reads to be aggregated into one cram that is fingerprinted,
// reviewed and finally uploaded.
type AggregationRequest struct {
	SampleKey string `yaml:"sampleKey" validate:"required"`
	// Defaults to fastq_list.csv in the aggregation output folder
	FastqList string `yaml:"fastqList"`
	Reference string `yaml:"reference"`
	// Defaults to SampleKey
	OutputFilePrefix string `yaml:"outputFilePrefix"`
	ConfigFile       string `yaml:"configFile"`
	// Shown to the data reviewer
	ReviewInstructions string `yaml:"reviewInstructions"`
}

func (r *RunRequest) Validate() error {
	return errors.WithStack(validator.New().Struct(r))
}

func (r *AggregationRequest) Validate() error {
	return errors.WithStack(validator.New().Struct(r))
}

func LoadRunRequest(fs afero.Fs, path string) (*RunRequest, error) {
	request := &RunRequest{}
	if err := loadYaml(fs, path, request); err != nil {
		return nil, err
	}
	return request, nil
}

func LoadAggregationRequest(fs afero.Fs, path string) (*AggregationRequest, error) {
	request := &AggregationRequest{}
	if err := loadYaml(fs, path, request); err != nil {
		return nil, err
	}
	return request, nil
}

func loadYaml(fs afero.Fs, path string, out interface{}) error {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := yaml.UnmarshalStrict(data, out); err != nil {
		return errors.Wrapf(err, "parsing %s", path)
	}
	return nil
}
