package mitosis

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rakunlabs/masc/internal/mascerr"
	"github.com/rakunlabs/masc/internal/model"
)

// stemPoolFile is the YAML shape of a stem-cell pool file:
//
//	templates:
//	  - name: general
//	    prompt: |
//	      You are a successor agent ...
type stemPoolFile struct {
	Templates []model.StemTemplate `yaml:"templates"`
}

// LoadStemPool reads successor-prompt templates from a YAML file. An empty
// path returns nil (the controller then falls back to DefaultStemPool).
func LoadStemPool(path string) ([]model.StemTemplate, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, mascerr.ErrOperationFailed("load_stem_pool", err)
	}
	var f stemPoolFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, mascerr.ErrOperationFailed("load_stem_pool", err)
	}
	return f.Templates, nil
}
