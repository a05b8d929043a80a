package backend

import (
	"fmt"
	"regexp"
	"strings"
)

// UKFDefaults are the UKFTractography defaults the ukf stage starts from.
// The trailing --recordTensors flag takes no value.
var UKFDefaults = []string{
	"--numTensor", "2", "--stoppingFA", "0.15", "--seedingThreshold", "0.18",
	"--Qm", "0.001", "--Ql", "70", "--Rs", "0.015", "--stepLength", "0.3",
	"--recordLength", "1.7", "--stoppingThreshold", "0.1", "--seedsPerVoxel", "10",
	"--recordTensors",
}

// MergeUKFParams overlays a comma separated "--key,value,..." list on
// UKFDefaults. Keys that override a default replace its value in place;
// any other pairs are appended after the defaults.
func MergeUKFParams(given string) ([]string, error) {
	merged := append([]string(nil), UKFDefaults...)
	if strings.TrimSpace(given) == "" {
		return merged, nil
	}

	pairs := strings.Split(given, ",")
	for i := range pairs {
		pairs[i] = strings.TrimSpace(pairs[i])
	}

	var extra []string
	for i := 0; i < len(pairs); i++ {
		key := pairs[i]
		if !strings.HasPrefix(key, "--") {
			return nil, fmt.Errorf("ukf params: expected --flag at position %d, got %q", i, key)
		}
		idx := indexOf(merged[:len(merged)-1], key)
		if idx >= 0 && idx%2 == 0 {
			if i+1 >= len(pairs) {
				return nil, fmt.Errorf("ukf params: %s is missing a value", key)
			}
			merged[idx+1] = pairs[i+1]
			i++
			continue
		}
		extra = append(extra, key)
		if i+1 < len(pairs) && !strings.HasPrefix(pairs[i+1], "--") {
			extra = append(extra, pairs[i+1])
			i++
		}
	}
	return append(merged, extra...), nil
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

// trimSuffix strips suffix from p, failing when p does not carry it.
func trimSuffix(p, suffix string) (string, error) {
	if !strings.HasSuffix(p, suffix) {
		return "", fmt.Errorf("output %s does not end in %s", p, suffix)
	}
	return strings.TrimSuffix(p, suffix), nil
}

// dwiTriple returns the dwi, bval and bvec inputs.
func dwiTriple(inv Invocation) (dwi, bval, bvec string, err error) {
	if dwi, err = inv.Input("dwi"); err != nil {
		return
	}
	if bval, err = inv.Input("bval"); err != nil {
		return
	}
	bvec, err = inv.Input("bvec")
	return
}

// dwiPrefix returns the shared output prefix of a dwi/bval/bvec triple.
func dwiPrefix(inv Invocation) (string, error) {
	return trimSuffix(inv.Outputs[SlotDWI], ".nii.gz")
}

func alignArgs(inv Invocation) ([]string, error) {
	dwi, bval, bvec, err := dwiTriple(inv)
	if err != nil {
		return nil, err
	}
	prefix, err := dwiPrefix(inv)
	if err != nil {
		return nil, err
	}
	return []string{"-i", dwi, "--bvals", bval, "--bvecs", bvec, "-o", prefix}, nil
}

func eddyArgs(inv Invocation) ([]string, error) {
	args, err := alignArgs(inv)
	if err != nil {
		return nil, err
	}
	if n := inv.Params["nproc"]; n != "" {
		args = append(args, "-n", n)
	}
	return args, nil
}

func epiArgs(inv Invocation) ([]string, error) {
	dwi, bval, bvec, err := dwiTriple(inv)
	if err != nil {
		return nil, err
	}
	t2, err := inv.Input("t2")
	if err != nil {
		return nil, err
	}
	prefix, err := dwiPrefix(inv)
	if err != nil {
		return nil, err
	}
	args := []string{"--dwi", dwi, "--bvals", bval, "--bvecs", bvec, "--t2", t2, "-o", prefix}
	if n := inv.Params["nproc"]; n != "" {
		args = append(args, "-n", n)
	}
	return args, nil
}

func bseArgs(inv Invocation) ([]string, error) {
	dwi, err := inv.Input("dwi")
	if err != nil {
		return nil, err
	}
	bval, err := inv.Input("bval")
	if err != nil {
		return nil, err
	}
	args := []string{"-i", dwi, "--bvals", bval, "-o", inv.Outputs[SlotBSE]}
	if t := inv.Params["threshold"]; t != "" {
		args = append(args, "-t", t)
	}
	switch mode := inv.Params["mode"]; mode {
	case "", "first":
	case "min":
		args = append(args, "--min")
	case "avg":
		args = append(args, "--avg")
	case "all":
		args = append(args, "--all")
	default:
		return nil, fmt.Errorf("unknown baseline mode %q", mode)
	}
	return args, nil
}

func betMaskArgs(inv Invocation) ([]string, error) {
	img, err := inv.Input("image")
	if err != nil {
		return nil, err
	}
	prefix, err := trimSuffix(inv.Outputs[SlotMask], "_mask.nii.gz")
	if err != nil {
		return nil, err
	}
	args := []string{"-i", img, "-o", prefix}
	if f := inv.Params["threshold"]; f != "" {
		args = append(args, "-f", f)
	}
	return args, nil
}

func ukfArgs(inv Invocation) ([]string, error) {
	dwi, bval, bvec, err := dwiTriple(inv)
	if err != nil {
		return nil, err
	}
	mask, err := inv.Input("mask")
	if err != nil {
		return nil, err
	}
	params, err := MergeUKFParams(inv.Params["params"])
	if err != nil {
		return nil, err
	}
	return []string{
		"-i", dwi, "-m", mask, "--bvals", bval, "--bvecs", bvec,
		"-o", inv.Outputs[SlotTracts], "--params", strings.Join(params, ","),
	}, nil
}

var placeholder = regexp.MustCompile(`\{(in|out|param):([A-Za-z0-9_]+)\}`)

// expandTemplate substitutes {in:name}, {out:slot} and {param:key} in each
// argument. Unknown references are an error rather than an empty string.
func expandTemplate(tmpl []string, inv Invocation) ([]string, error) {
	args := make([]string, 0, len(tmpl))
	for _, arg := range tmpl {
		var expandErr error
		out := placeholder.ReplaceAllStringFunc(arg, func(m string) string {
			parts := placeholder.FindStringSubmatch(m)
			kind, name := parts[1], parts[2]
			var (
				v  string
				ok bool
			)
			switch kind {
			case "in":
				v, ok = inv.Inputs[name]
			case "out":
				v, ok = inv.Outputs[Slot(name)]
			case "param":
				v, ok = inv.Params[name]
			}
			if !ok && expandErr == nil {
				expandErr = fmt.Errorf("argument %q references unknown %s %q", arg, kind, name)
			}
			return v
		})
		if expandErr != nil {
			return nil, expandErr
		}
		args = append(args, out)
	}
	return args, nil
}
