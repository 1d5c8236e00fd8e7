package command

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/dragenflow/dragenflow/internal/common/flowerrors"
)

const maxCoverageRegions = 3

// Tools names the executables commands are built for.
type Tools struct {
	Dragen      string
	Fingerprint []string
	GsUtil      string
}

// Builder turns typed parameters into command lines. The only filesystem access is the demultiplex input directory
// check, which goes through fs.
type Builder struct {
	fs    afero.Fs
	tools Tools
}

func NewBuilder(fs afero.Fs, tools Tools) *Builder {
	return &Builder{
		fs:    fs,
		tools: tools,
	}
}

func (b *Builder) Demultiplex(p DemultiplexParams) (string, error) {
	err := requireFields(
		field{"dragen", b.tools.Dragen},
		field{"inputDir", p.InputDir},
		field{"outputDir", p.OutputDir},
		field{"sampleSheet", p.SampleSheet},
	)
	if err != nil {
		return "", err
	}
	exists, err := afero.DirExists(b.fs, p.InputDir)
	if err != nil {
		return "", errors.WithStack(err)
	}
	if !exists {
		return "", errors.WithStack(&flowerrors.ErrInvalidArgument{
			Name:    "inputDir",
			Value:   p.InputDir,
			Message: "directory does not exist",
		})
	}

	line := newLine(b.tools.Dragen).
		raw("--bcl-conversion-only="+strconv.FormatBool(p.BclConversionOnly)).
		flag("--bcl-input-directory", p.InputDir).
		flag("--output-directory", p.OutputDir).
		flag("--sample-sheet", p.SampleSheet)
	if p.Force {
		line.raw("--force")
	}
	return line.String(), nil
}

func (b *Builder) Align(p AlignParams) (string, error) {
	err := requireFields(
		field{"dragen", b.tools.Dragen},
		field{"referenceDir", p.ReferenceDir},
		field{"fastqList", p.FastqList},
		field{"fastqListSampleId", p.FastqListSampleId},
		field{"outputDir", p.OutputDir},
		field{"intermediateResultsDir", p.IntermediateResultsDir},
		field{"outputFilePrefix", p.OutputFilePrefix},
		field{"vcSampleName", p.VcSampleName},
	)
	if err != nil {
		return "", err
	}
	line := newLine(b.tools.Dragen).
		raw("-f").
		flag("-r", p.ReferenceDir).
		flag("--fastq-list", p.FastqList).
		flag("--fastq-list-sample-id", p.FastqListSampleId).
		flag("--output-directory", p.OutputDir).
		flag("--intermediate-results-dir", p.IntermediateResultsDir).
		flag("--output-file-prefix", p.OutputFilePrefix).
		flag("--vc-sample-name", p.VcSampleName).
		flag("--enable-variant-caller", "true").
		flag("--enable-duplicate-marking", "true").
		optionalFlag("--qc-cross-cont-vcf", p.CrossContaminationVcf)
	if p.CoverageRegion != "" {
		line.flag("--qc-coverage-region-1", p.CoverageRegion).
			flag("--qc-coverage-reports-1", "cov_report")
	}
	line.optionalFlag("--sample-sex", p.SampleSex)
	return line.String(), nil
}

func (b *Builder) Aggregate(p AggregateParams) (string, error) {
	err := requireFields(
		field{"dragen", b.tools.Dragen},
		field{"referenceDir", p.ReferenceDir},
		field{"fastqList", p.FastqList},
		field{"fastqListSampleId", p.FastqListSampleId},
		field{"outputDir", p.OutputDir},
		field{"intermediateResultsDir", p.IntermediateResultsDir},
		field{"outputFilePrefix", p.OutputFilePrefix},
		field{"vcSampleName", p.VcSampleName},
	)
	if err != nil {
		return "", err
	}
	if len(p.CoverageRegions) > maxCoverageRegions {
		return "", errors.WithStack(&flowerrors.ErrInvalidArgument{
			Name:    "coverageRegions",
			Value:   strings.Join(p.CoverageRegions, ","),
			Message: "at most " + strconv.Itoa(maxCoverageRegions) + " coverage regions are supported",
		})
	}
	line := newLine(b.tools.Dragen).
		raw("-f").
		flag("-r", p.ReferenceDir).
		flag("--fastq-list", p.FastqList).
		flag("--fastq-list-sample-id", p.FastqListSampleId).
		flag("--output-directory", p.OutputDir).
		flag("--intermediate-results-dir", p.IntermediateResultsDir).
		flag("--output-file-prefix", p.OutputFilePrefix).
		flag("--vc-sample-name", p.VcSampleName).
		flag("--enable-map-align-output", "true").
		flag("--output-format", "CRAM").
		flag("--enable-variant-caller", "true").
		flag("--enable-duplicate-marking", "true").
		optionalFlag("--qc-cross-cont-vcf", p.CrossContaminationVcf)
	for i, region := range p.CoverageRegions {
		if region == "" {
			continue
		}
		n := strconv.Itoa(i + 1)
		line.flag("--qc-coverage-region-"+n, region).
			flag("--qc-coverage-reports-"+n, "cov_report")
	}
	line.optionalFlag("--config-file", p.ConfigFile)
	return line.String(), nil
}

// Fingerprint returns the picard CheckFingerprint invocation for p.
func (b *Builder) Fingerprint(p FingerprintParams) (GenericParams, error) {
	if len(b.tools.Fingerprint) == 0 {
		return GenericParams{}, missing("fingerprint")
	}
	err := requireFields(
		field{"cramFile", p.CramFile},
		field{"vcfFile", p.VcfFile},
		field{"haplotypeDatabase", p.HaplotypeDatabase},
		field{"outputPrefix", p.OutputPrefix},
		field{"referenceFile", p.ReferenceFile},
	)
	if err != nil {
		return GenericParams{}, err
	}
	args := append([]string{}, b.tools.Fingerprint[1:]...)
	args = append(args,
		"CheckFingerprint",
		"INPUT="+p.CramFile,
		"GENOTYPES="+p.VcfFile,
		"HAPLOTYPE_MAP="+p.HaplotypeDatabase,
		"OUTPUT="+p.OutputPrefix,
		"REFERENCE_SEQUENCE="+p.ReferenceFile,
	)
	return GenericParams{Tool: b.tools.Fingerprint[0], Args: args}, nil
}

// Upload returns the gsutil copy of file into bucket.
func (b *Builder) Upload(file string, bucket string) (GenericParams, error) {
	err := requireFields(
		field{"gsutil", b.tools.GsUtil},
		field{"file", file},
		field{"bucket", bucket},
	)
	if err != nil {
		return GenericParams{}, err
	}
	return GenericParams{Tool: b.tools.GsUtil, Args: []string{"cp", file, bucket}}, nil
}

func (b *Builder) Generic(p GenericParams) (string, error) {
	if err := requireFields(field{"tool", p.Tool}); err != nil {
		return "", err
	}
	line := newLine(p.Tool)
	for _, arg := range p.Args {
		line.arg(arg)
	}
	return line.String(), nil
}

type field struct {
	name  string
	value string
}

func requireFields(fields ...field) error {
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return missing(f.name)
		}
	}
	return nil
}

func missing(name string) error {
	return errors.WithStack(&flowerrors.ErrInvalidArgument{
		Name:    name,
		Value:   "",
		Message: "required",
	})
}

// commandLine accumulates space-separated words, quoting those the shell would otherwise interpret.
type commandLine struct {
	words []string
}

func newLine(tool string) *commandLine {
	return &commandLine{words: []string{Quote(tool)}}
}

func (c *commandLine) raw(word string) *commandLine {
	c.words = append(c.words, word)
	return c
}

func (c *commandLine) arg(value string) *commandLine {
	c.words = append(c.words, Quote(value))
	return c
}

func (c *commandLine) flag(name string, value string) *commandLine {
	return c.raw(name).arg(value)
}

func (c *commandLine) optionalFlag(name string, value string) *commandLine {
	if value == "" {
		return c
	}
	return c.flag(name, value)
}

func (c *commandLine) String() string {
	return strings.Join(c.words, " ")
}

var shellSafe = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

// Quote returns s unchanged if the shell would read it as a single literal word, otherwise s in single quotes.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
