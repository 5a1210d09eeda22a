package graph

import "fmt"

// Build compiles a set of NodeConfigs rooted at start into an executable
// Workflow, performing the four build-time checks:
//  1. every declared successor type must be registered
//  2. BFS reachability from start must cover every declared node
//  3. a node with >=2 declared successors must be is_router
//  4. cycle detection via DFS with a recursion-stack set
func Build(workflowType, start string, configs []NodeConfig, registry *Registry) (*Workflow, error) {
	byName := make(map[string]*NodeConfig, len(configs))
	for i := range configs {
		c := &configs[i]
		byName[c.Name] = c
	}

	if _, ok := byName[start]; !ok {
		return nil, &BuildError{Kind: "NodeNotFound", Node: start}
	}

	// Every declared successor must itself be a declared node.
	for _, c := range byName {
		for _, succ := range c.Successors {
			if _, ok := byName[succ]; !ok {
				return nil, &BuildError{Kind: "NodeNotFound", Node: succ, Detail: fmt.Sprintf("declared as successor of %q", c.Name)}
			}
		}
	}

	// Rule 3: router declaration must match successor count.
	for _, c := range byName {
		if len(c.Successors) >= 2 && !c.IsRouter {
			return nil, &BuildError{Kind: "InvalidRouter", Node: c.Name}
		}
	}

	// Rule 4: cycle detection, DFS with recursion-stack set.
	if cyclePath, found := detectCycle(byName, start); found {
		return nil, &BuildError{Kind: "CycleDetected", Detail: cyclePath}
	}

	// Rule 2: BFS reachability from start.
	reached := bfsReachable(byName, start)
	var unreachable []string
	for name := range byName {
		if !reached[name] {
			unreachable = append(unreachable, name)
		}
	}
	if len(unreachable) > 0 {
		return nil, &BuildError{Kind: "UnreachableNodes", Names: unreachable}
	}

	// Rule 1 + instantiate: build node instances via the registry.
	compiled := make(map[string]*compiledNode, len(byName))
	for name, c := range byName {
		instance, err := registry.build(c.Type, c.Config)
		if err != nil {
			return nil, &BuildError{Kind: "NodeNotFound", Node: c.Type, Detail: err.Error()}
		}
		compiled[name] = &compiledNode{NodeConfig: *c, instance: instance}
	}

	// Level assignment: level(n) = 1 + max(level of declared prerequisites).
	// Prerequisites are derived from the successor graph (predecessors).
	predecessors := make(map[string][]string)
	for name, c := range byName {
		for _, succ := range c.Successors {
			predecessors[succ] = append(predecessors[succ], name)
		}
		if _, ok := predecessors[name]; !ok {
			predecessors[name] = nil
		}
	}

	levelOf := make(map[string]int)
	var assignLevel func(name string) int
	visiting := make(map[string]bool)
	assignLevel = func(name string) int {
		if lvl, ok := levelOf[name]; ok {
			return lvl
		}
		if visiting[name] {
			// Cycle already ruled out above; defensive fallback.
			return 1
		}
		visiting[name] = true
		defer func() { visiting[name] = false }()

		preds := predecessors[name]
		if len(preds) == 0 {
			levelOf[name] = 1
			return 1
		}
		max := 0
		for _, p := range preds {
			if l := assignLevel(p); l > max {
				max = l
			}
		}
		levelOf[name] = max + 1
		return levelOf[name]
	}

	maxLevel := 0
	for name := range byName {
		l := assignLevel(name)
		compiled[name].level = l
		if l > maxLevel {
			maxLevel = l
		}
	}

	levels := make([][]string, maxLevel)
	for name, cn := range compiled {
		levels[cn.level-1] = append(levels[cn.level-1], name)
	}

	return &Workflow{
		workflowType: workflowType,
		start:        start,
		nodes:        compiled,
		levels:       levels,
	}, nil
}

func bfsReachable(byName map[string]*NodeConfig, start string) map[string]bool {
	reached := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		c, ok := byName[cur]
		if !ok {
			continue
		}
		for _, succ := range c.Successors {
			if !reached[succ] {
				reached[succ] = true
				queue = append(queue, succ)
			}
		}
	}
	return reached
}

func detectCycle(byName map[string]*NodeConfig, start string) (string, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(byName))
	for name := range byName {
		color[name] = white
	}

	var path []string
	var dfs func(name string) (string, bool)
	dfs = func(name string) (string, bool) {
		color[name] = gray
		path = append(path, name)

		c, ok := byName[name]
		if ok {
			for _, succ := range c.Successors {
				switch color[succ] {
				case gray:
					return fmt.Sprintf("%v -> %s", path, succ), true
				case white:
					if cyc, found := dfs(succ); found {
						return cyc, true
					}
				}
			}
		}

		path = path[:len(path)-1]
		color[name] = black
		return "", false
	}

	// Walk every node, not just reachable ones, so a disconnected cycle is
	// still caught even though it will also be reported as unreachable.
	for name := range byName {
		if color[name] == white {
			if cyc, found := dfs(name); found {
				return cyc, true
			}
		}
	}
	return "", false
}
