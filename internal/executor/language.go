package executor

import "sort"

// languageSpec 描述一种语言在沙箱内的编译/运行方式。
// 每种语言映射到一个预先构建好的隔离运行时镜像；
// Compile 为空表示解释型语言，直接进入运行阶段。
// 作业临时目录挂载在容器内的 /work。
type languageSpec struct {
	Image      string   // 固定的运行时镜像
	SourceFile string   // 容器内的源文件名
	Compile    []string // 编译命令 (解释型为空)
	Run        []string // 运行命令
}

var languageSpecs = map[string]languageSpec{
	"python": {
		Image:      "code-runner-python",
		SourceFile: "main.py",
		Run:        []string{"python3", "/work/main.py"},
	},
	"javascript": {
		Image:      "code-runner-nodejs",
		SourceFile: "main.js",
		Run:        []string{"node", "/work/main.js"},
	},
	"c": {
		Image:      "code-runner-c",
		SourceFile: "main.c",
		Compile:    []string{"gcc", "/work/main.c", "-o", "/work/a.out"},
		Run:        []string{"/work/a.out"},
	},
	"cpp": {
		Image:      "code-runner-cpp",
		SourceFile: "main.cpp",
		Compile:    []string{"g++", "/work/main.cpp", "-o", "/work/a.out"},
		Run:        []string{"/work/a.out"},
	},
	"java": {
		// javac 要求文件名与公共类名一致
		Image:      "code-runner-java",
		SourceFile: "Main.java",
		Compile:    []string{"javac", "/work/Main.java"},
		Run:        []string{"java", "-cp", "/work", "Main"},
	},
}

// Supported 判断语言是否受支持。
func Supported(language string) bool {
	_, ok := languageSpecs[language]
	return ok
}

// SupportedLanguages 返回受支持语言的有序列表，用于错误信息和文档。
func SupportedLanguages() []string {
	names := make([]string, 0, len(languageSpecs))
	for name := range languageSpecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
