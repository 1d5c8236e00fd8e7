package command

import "golang.org/x/exp/slices"

// DemultiplexParams describes BCL conversion of one sequencing run folder.
type DemultiplexParams struct {
	BclConversionOnly bool   `json:"bclConversionOnly" yaml:"bclConversionOnly"`
	InputDir          string `json:"inputDir" yaml:"inputDir"`
	OutputDir         string `json:"outputDir" yaml:"outputDir"`
	SampleSheet       string `json:"sampleSheet" yaml:"sampleSheet"`
	// Overwrite an existing output directory
	Force bool `json:"force,omitempty" yaml:"force"`
}

// AlignParams describes mapping, duplicate marking and variant calling of one sample's reads.
type AlignParams struct {
	ReferenceDir           string `json:"referenceDir" yaml:"referenceDir"`
	FastqList              string `json:"fastqList" yaml:"fastqList"`
	FastqListSampleId      string `json:"fastqListSampleId" yaml:"fastqListSampleId"`
	OutputDir              string `json:"outputDir" yaml:"outputDir"`
	IntermediateResultsDir string `json:"intermediateResultsDir" yaml:"intermediateResultsDir"`
	OutputFilePrefix       string `json:"outputFilePrefix" yaml:"outputFilePrefix"`
	VcSampleName           string `json:"vcSampleName" yaml:"vcSampleName"`

	CrossContaminationVcf string `json:"crossContaminationVcf,omitempty" yaml:"crossContaminationVcf"`
	CoverageRegion        string `json:"coverageRegion,omitempty" yaml:"coverageRegion"`
	SampleSex             string `json:"sampleSex,omitempty" yaml:"sampleSex"`
}

// AggregateParams describes re-alignment of all of a sample's reads into a single CRAM with QC metrics.
type AggregateParams struct {
	ReferenceDir           string `json:"referenceDir" yaml:"referenceDir"`
	FastqList              string `json:"fastqList" yaml:"fastqList"`
	FastqListSampleId      string `json:"fastqListSampleId" yaml:"fastqListSampleId"`
	OutputDir              string `json:"outputDir" yaml:"outputDir"`
	IntermediateResultsDir string `json:"intermediateResultsDir" yaml:"intermediateResultsDir"`
	OutputFilePrefix       string `json:"outputFilePrefix" yaml:"outputFilePrefix"`
	VcSampleName           string `json:"vcSampleName" yaml:"vcSampleName"`

	CrossContaminationVcf string `json:"crossContaminationVcf,omitempty" yaml:"crossContaminationVcf"`
	// At most three bed files, reported as coverage regions 1 to 3
	CoverageRegions []string `json:"coverageRegions,omitempty" yaml:"coverageRegions"`
	ConfigFile      string   `json:"configFile,omitempty" yaml:"configFile"`
}

// FingerprintParams describes a genotype concordance check of an aggregated CRAM against a fingerprint VCF.
type FingerprintParams struct {
	CramFile          string `json:"cramFile" yaml:"cramFile"`
	VcfFile           string `json:"vcfFile" yaml:"vcfFile"`
	HaplotypeDatabase string `json:"haplotypeDatabase" yaml:"haplotypeDatabase"`
	OutputPrefix      string `json:"outputPrefix" yaml:"outputPrefix"`
	ReferenceFile     string `json:"referenceFile" yaml:"referenceFile"`
}

// GenericParams is an arbitrary tool invocation.
type GenericParams struct {
	Tool string   `json:"tool" yaml:"tool"`
	Args []string `json:"args,omitempty" yaml:"args"`
}

func (p *AggregateParams) DeepCopy() *AggregateParams {
	if p == nil {
		return nil
	}
	c := *p
	c.CoverageRegions = slices.Clone(p.CoverageRegions)
	return &c
}

func (p *GenericParams) DeepCopy() *GenericParams {
	if p == nil {
		return nil
	}
	c := *p
	c.Args = slices.Clone(p.Args)
	return &c
}

func (p *DemultiplexParams) DeepCopy() *DemultiplexParams {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

func (p *AlignParams) DeepCopy() *AlignParams {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
