package pipeline

// Reference is one reference genome and the files derived from it.
type Reference struct {
	// Hash table directory passed to dragen -r
	Path              string `validate:"required"`
	Fasta             string `validate:"required"`
	ContaminationFile string
	// Coverage regions 1 to 3
	CoverageBedFiles  []string `validate:"max=3"`
	HaplotypeDatabase string
}

type Config struct {
	// Demultiplex output is written to <AnalysisRoot>/<runName>/<queuedAt>
	AnalysisRoot string `validate:"required"`
	// Aggregations are written to <AggregationRoot>/<sampleKey>/<queuedAt>
	AggregationRoot        string `validate:"required"`
	IntermediateResultsDir string `validate:"required"`
	Partition              string `validate:"required"`
	// Destination of uploaded crams, e.g. gs://bucket/crams/
	GsBucket string
	// When set, run as the exit task of the corresponding state with the state's output folder appended
	DemultiplexMetricsCommand []string
	AlignmentMetricsCommand   []string
	AggregationMetricsCommand []string
	DefaultReference          string
	References                map[string]Reference `validate:"required,dive"`
}
