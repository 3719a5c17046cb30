package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// Script describes how a prediction family (or a single method) is run as a
// local process. Args, Output and Artifact may contain the placeholders
// {input}, {output}, {task_dir}, {task_id}, {method}, {codon_table},
// {scripts_root}, {python} and {rscript}.
type Script struct {
	Executable string   `yaml:"executable"`
	Args       []string `yaml:"args"`
	// Artifact is the file name, relative to the task directory, that the
	// reconciler reads. {output} expands to its absolute path.
	Artifact string `yaml:"artifact"`
	// Output is where the script actually leaves its result when that differs
	// from the artifact path. The file is moved into place after a successful run.
	Output string `yaml:"output"`
	Format string `yaml:"format"`
}

type ScriptCatalog map[string]Script

func DefaultScripts() ScriptCatalog {
	return ScriptCatalog{
		"ampep": {
			Executable: "{rscript}",
			Args:       []string{"{scripts_root}/AmPEP/predict.R", "{input}", "{output}"},
			Artifact:   "ampep.out",
			Format:     "triplet",
		},
		"deepampep30": {
			Executable: "{rscript}",
			Args:       []string{"{scripts_root}/Deep-AmPEP30/Deep-AmPEP30.R", "{input}", "{output}"},
			Artifact:   "deepampep30.out",
			Format:     "triplet",
		},
		"rfampep30": {
			Executable: "{rscript}",
			Args:       []string{"{scripts_root}/Deep-AmPEP30/RF-AmPEP30.R", "{input}", "{output}"},
			Artifact:   "rfampep30.out",
			Format:     "triplet",
		},
		FamilyAcpep: {
			Executable: "{python}",
			Args:       []string{"{scripts_root}/xDeep-AcPEP/main.py", "-i", "{input}", "-t", "{method}", "-o", "{output}"},
			Artifact:   "{method}.out",
			Output:     "{task_dir}/{method}.out.result_input.fasta.csv",
			Format:     "acpep_tissue_csv",
		},
		FamilyAcpepClassification: {
			Executable: "{python}",
			Args:       []string{"{scripts_root}/xDeep-AcPEP-Classification/main.py", "{input}"},
			Artifact:   "xDeep-AcPEP-Classification.csv",
			Output:     "{task_dir}/input.csv",
			Format:     "acpep_summary_csv",
		},
		FamilyBestox: {
			Executable: "{python}",
			Args:       []string{"{scripts_root}/BESTox/main.py", "{input}", "{output}"},
			Artifact:   "result.csv",
			Format:     "molecule_csv",
		},
		FamilySslGcn: {
			Executable: "{python}",
			Args:       []string{"{scripts_root}/SSL-GCN/main.py", "-d", "{input}", "-m", "{scripts_root}/SSL-GCN/model/", "-t", "{method}", "-o", "{task_dir}/{method}."},
			Artifact:   "{method}.result.csv",
			Format:     "molecule_csv",
		},
		FamilyCodon: {
			Executable: "{python}",
			Args:       []string{"{scripts_root}/Genome/ORF.py", "{task_dir}/codon.fasta", "{codon_table}"},
			Artifact:   "input.fasta",
			Output:     "{task_dir}/codon_orf.fasta",
		},
	}
}

// Lookup prefers an entry keyed by the method name over one keyed by family.
func (c ScriptCatalog) Lookup(method, family string) (Script, bool) {
	if s, ok := c[method]; ok {
		return s, true
	}
	s, ok := c[family]
	return s, ok
}

// LoadScriptCatalog returns the default catalog with entries from the yaml
// file at path replacing defaults of the same key.
func LoadScriptCatalog(path string) (ScriptCatalog, error) {
	catalog := DefaultScripts()
	if path == "" {
		return catalog, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading script catalog %s: %w", path, err)
	}

	var overrides map[string]Script
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("error parsing script catalog %s: %w", path, err)
	}

	for key, script := range overrides {
		if script.Executable == "" || script.Artifact == "" {
			return nil, fmt.Errorf("script catalog entry '%s' must set executable and artifact", key)
		}
		catalog[key] = script
	}

	slog.Info("loaded script catalog", "path", path, "overrides", len(overrides))

	return catalog, nil
}

type ScriptVars map[string]string

func (v ScriptVars) replacer() *strings.Replacer {
	pairs := make([]string, 0, 2*len(v))
	for k, val := range v {
		pairs = append(pairs, "{"+k+"}", val)
	}
	return strings.NewReplacer(pairs...)
}

func (v ScriptVars) Expand(s string) string {
	return v.replacer().Replace(s)
}

// Command expands the executable and arguments of the script.
func (s Script) Command(vars ScriptVars) (string, []string) {
	r := vars.replacer()
	args := make([]string, len(s.Args))
	for i, a := range s.Args {
		args[i] = r.Replace(a)
	}
	return r.Replace(s.Executable), args
}
