package resolver

import "binfacts/internal/analysis"

// Fact names.
const (
	GMalloc      = "FMalloc::GMalloc"
	MallocIndex  = "FMalloc::Malloc"
	ReallocIndex = "FMalloc::Realloc"
	FreeIndex    = "FMalloc::Free"

	FNameConstructor = "FName::FName"
	FNameToString    = "FName::ToString"
	InitNamePool     = "FName::InitNamePool"
	NamePool         = "FName::NamePool"

	ProcessEventIndex = "UObject::ProcessEvent"
	ObjectDestructor  = "UObjectBase::~UObjectBase"
	ObjectVtable      = "UObjectBase::vftable"
	AddObject         = "UObjectBase::AddObject"

	GameEngineTick  = "UGameEngine::Tick"
	PostRenderIndex = "AHUD::PostRender"

	DebugCanvasIndex    = "FViewport::GetDebugCanvas"
	ViewportSizeXYIndex = "FViewport::GetViewportSizeXY"

	FunctionFlagsOffset = "UFunction::FunctionFlags"
)

// Engine modules, matched against modular build file names.
const (
	moduleCoreUObject      = "CoreUObject"
	moduleEngine           = "Engine"
	moduleSlateCore        = "SlateCore"
	moduleAnimGraphRuntime = "AnimGraphRuntime"
)

// Imported routines heuristics look for. Each lists its Windows and POSIX
// names.
var (
	apiVirtualAlloc         = analysis.Import("VirtualAlloc", "mmap")
	apiVirtualFree          = analysis.Import("VirtualFree", "munmap")
	apiEnterCriticalSection = analysis.Import("EnterCriticalSection", "pthread_mutex_lock")
	apiDebugBreak           = analysis.Import("DebugBreak")
	apiMessageBox           = analysis.Import("MessageBoxW")
	apiVswprintf            = analysis.Import("__stdio_common_vswprintf", "vswprintf")
)

// both returns the narrow and wide forms of s.
func both(s string) []analysis.Literal {
	return []analysis.Literal{analysis.Narrow(s), analysis.Wide(s)}
}
